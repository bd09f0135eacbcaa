package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"shepherd/internal/followup"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
)

// InMemoryStore keeps tasks in creation order.
type InMemoryStore struct {
	mu      sync.RWMutex
	tasks   map[domain.TaskID]*followup.Task
	pending map[followup.Key]domain.TaskID
	order   []domain.TaskID
}

func New() *InMemoryStore {
	return &InMemoryStore{
		tasks:   make(map[domain.TaskID]*followup.Task),
		pending: make(map[followup.Key]domain.TaskID),
	}
}

func clone(t *followup.Task) *followup.Task {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (s *InMemoryStore) Create(_ context.Context, task *followup.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	if _, ok := s.pending[task.Key()]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.tasks[task.ID] = clone(task)
	s.pending[task.Key()] = task.ID
	s.order = append(s.order, task.ID)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.TaskID) (*followup.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(t), nil
}

func (s *InMemoryStore) List(_ context.Context, filter followup.Filter) ([]*followup.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*followup.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if !filter.PersonID.IsNil() && t.PersonID != filter.PersonID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AssigneeRole != "" && t.AssigneeRole != filter.AssigneeRole {
			continue
		}
		out = append(out, clone(t))
	}
	slices.SortStableFunc(out, func(a, b *followup.Task) int { return a.DueAt.Compare(b.DueAt) })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*followup.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*followup.Task
	for _, t := range s.tasks {
		if t.IsPending() && t.DueAt.Before(now) {
			out = append(out, clone(t))
		}
	}
	slices.SortFunc(out, func(a, b *followup.Task) int { return a.DueAt.Compare(b.DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Complete(_ context.Context, id domain.TaskID, at time.Time, by domain.ActorID, outcome string) (*followup.Task, error) {
	return s.close(id, func(t *followup.Task) {
		t.Status = followup.StatusDone
		t.CompletedAt = &at
		t.CompletedBy = by
		t.Outcome = outcome
	})
}

func (s *InMemoryStore) Expire(_ context.Context, id domain.TaskID) (*followup.Task, error) {
	return s.close(id, func(t *followup.Task) {
		t.Status = followup.StatusExpired
	})
}

func (s *InMemoryStore) close(id domain.TaskID, fn func(*followup.Task)) (*followup.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if !t.IsPending() {
		return nil, sentinel.ErrConflict
	}
	fn(t)
	delete(s.pending, t.Key())
	return clone(t), nil
}
