package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"shepherd/internal/people"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
)

// InMemoryStore keeps people in process memory. Every read returns a deep
// copy so callers cannot mutate stored state.
type InMemoryStore struct {
	mu     sync.RWMutex
	people map[domain.PersonID]*people.Person
}

func New() *InMemoryStore {
	return &InMemoryStore{people: make(map[domain.PersonID]*people.Person)}
}

func clone(p *people.Person) *people.Person {
	c := *p
	c.StageHistory = slices.Clone(p.StageHistory)
	if p.BirthDate != nil {
		t := *p.BirthDate
		c.BirthDate = &t
	}
	if p.ArchivedAt != nil {
		t := *p.ArchivedAt
		c.ArchivedAt = &t
	}
	if p.FamilyID != nil {
		id := *p.FamilyID
		c.FamilyID = &id
	}
	if p.Consent.GrantedAt != nil {
		t := *p.Consent.GrantedAt
		c.Consent.GrantedAt = &t
	}
	if p.Consent.RevokedAt != nil {
		t := *p.Consent.RevokedAt
		c.Consent.RevokedAt = &t
	}
	return &c
}

func (s *InMemoryStore) Create(_ context.Context, person *people.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.people[person.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.people[person.ID] = clone(person)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.PersonID) (*people.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.people[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(p), nil
}

func (s *InMemoryStore) Update(_ context.Context, id domain.PersonID, fn func(*people.Person) error) (*people.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := clone(p)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Stage = p.Stage
	working.StageEnteredAt = p.StageEnteredAt
	working.PreviousStage = p.PreviousStage
	working.StageVersion = p.StageVersion
	working.StageHistory = p.StageHistory
	if working.IsArchived() && !p.IsArchived() {
		working.StageVersion++
	}
	s.people[id] = working
	return clone(working), nil
}

// Locked holds the store lock while fn runs, so fn must not call back into
// the store.
func (s *InMemoryStore) Locked(ctx context.Context, id domain.PersonID, fn func(ctx context.Context, p *people.Person) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	return fn(ctx, clone(p))
}

func (s *InMemoryStore) CompareAndSwapStage(_ context.Context, id domain.PersonID, expectedVersion int64, t people.Transition) (*people.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if p.StageVersion != expectedVersion {
		return nil, sentinel.ErrConflict
	}
	p.Stage = t.Change.To
	p.StageEnteredAt = t.Change.At
	p.PreviousStage = t.PreviousStage
	p.StageVersion++
	p.StageHistory = append(p.StageHistory, t.Change)
	p.UpdatedAt = t.Change.At
	if t.Activity {
		p.LastActivityAt = t.Change.At
	}
	return clone(p), nil
}

func (s *InMemoryStore) RecordCheckIn(_ context.Context, id domain.PersonID, at time.Time) (*people.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	p.CheckIns++
	p.LastActivityAt = at
	p.StageVersion++
	p.UpdatedAt = at
	return clone(p), nil
}

// List orders by name, then ID.
func (s *InMemoryStore) List(_ context.Context, filter people.Filter) ([]*people.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*people.Person
	for _, p := range s.people {
		if p.IsArchived() && !filter.IncludeArchived {
			continue
		}
		if filter.Stage != "" && p.Stage != filter.Stage {
			continue
		}
		out = append(out, clone(p))
	}
	slices.SortFunc(out, func(a, b *people.Person) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return page(out, filter.Offset, filter.Limit), nil
}

// ListIdle orders by last activity, oldest first.
func (s *InMemoryStore) ListIdle(_ context.Context, filter people.IdleFilter) ([]*people.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*people.Person
	for _, p := range s.people {
		if p.IsArchived() || !slices.Contains(filter.Stages, p.Stage) || !p.LastActivityAt.Before(filter.Before) {
			continue
		}
		out = append(out, clone(p))
	}
	slices.SortFunc(out, func(a, b *people.Person) int { return a.LastActivityAt.Compare(b.LastActivityAt) })
	return page(out, 0, filter.Limit), nil
}

func (s *InMemoryStore) CountByStage(_ context.Context) (people.StageCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(people.StageCount)
	for _, stage := range domain.Stages() {
		counts[stage] = 0
	}
	for _, p := range s.people {
		if !p.IsArchived() {
			counts[p.Stage]++
		}
	}
	return counts, nil
}

func page(list []*people.Person, offset, limit int) []*people.Person {
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
