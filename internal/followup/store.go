package followup

import (
	"context"
	"time"

	"shepherd/pkg/domain"
)

// Store persists tasks. Only pending tasks change, and only once.
type Store interface {
	// Create saves a new pending task. It returns sentinel.ErrAlreadyUsed if
	// a pending task with the same key exists.
	Create(ctx context.Context, task *Task) error
	FindByID(ctx context.Context, id domain.TaskID) (*Task, error)
	List(ctx context.Context, filter Filter) ([]*Task, error)
	// ListOverdue returns pending tasks due before now, oldest due first.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// Complete and Expire close a pending task. They return
	// sentinel.ErrConflict if the task is no longer pending.
	Complete(ctx context.Context, id domain.TaskID, at time.Time, by domain.ActorID, outcome string) (*Task, error)
	Expire(ctx context.Context, id domain.TaskID) (*Task, error)
}

// Deduper remembers recently scheduled keys.
type Deduper interface {
	// Claim marks key as seen for window and reports whether it was unseen.
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
	// Release forgets key, so a failed schedule can be retried.
	Release(ctx context.Context, key string) error
}
