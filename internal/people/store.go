package people

import (
	"context"
	"time"

	"shepherd/pkg/domain"
)

// Store persists people. Stage changes only go through CompareAndSwapStage.
type Store interface {
	Create(ctx context.Context, person *Person) error
	FindByID(ctx context.Context, id domain.PersonID) (*Person, error)
	// Update applies fn to the current record and saves it unless fn fails.
	// fn must not change stage fields. Archiving bumps StageVersion so that
	// transitions planned on the earlier read conflict.
	Update(ctx context.Context, id domain.PersonID, fn func(*Person) error) (*Person, error)
	// Locked runs fn while the person's consent and archive state cannot
	// change. Writes made through the ctx passed to fn commit together with
	// the read.
	Locked(ctx context.Context, id domain.PersonID, fn func(ctx context.Context, p *Person) error) error
	// CompareAndSwapStage applies t if the stored StageVersion equals
	// expectedVersion, appending t.Change to the history. It returns
	// sentinel.ErrConflict on a version mismatch.
	CompareAndSwapStage(ctx context.Context, id domain.PersonID, expectedVersion int64, t Transition) (*Person, error)
	// RecordCheckIn counts a visit, marks activity and bumps StageVersion.
	RecordCheckIn(ctx context.Context, id domain.PersonID, at time.Time) (*Person, error)
	List(ctx context.Context, filter Filter) ([]*Person, error)
	ListIdle(ctx context.Context, filter IdleFilter) ([]*Person, error)
	CountByStage(ctx context.Context) (StageCount, error)
}
