package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"shepherd/internal/ministry"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
)

// InMemoryStore keeps ministry relations, including ended ones, in memory.
type InMemoryStore struct {
	mu          sync.RWMutex
	ministries  map[domain.MinistryID]ministry.Ministry
	leaders     []*ministry.Leadership
	members     []*ministry.Membership
	assignments []*ministry.PastoralAssignment
}

func New() *InMemoryStore {
	return &InMemoryStore{ministries: make(map[domain.MinistryID]ministry.Ministry)}
}

func (s *InMemoryStore) CreateMinistry(_ context.Context, m ministry.Ministry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.ministries {
		if strings.EqualFold(existing.Name, m.Name) {
			return sentinel.ErrAlreadyUsed
		}
	}
	s.ministries[m.ID] = m
	return nil
}

func (s *InMemoryStore) FindMinistry(_ context.Context, id domain.MinistryID) (ministry.Ministry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.ministries[id]
	if !ok {
		return ministry.Ministry{}, sentinel.ErrNotFound
	}
	return m, nil
}

func (s *InMemoryStore) ListMinistries(_ context.Context) ([]ministry.Ministry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ministry.Ministry, 0, len(s.ministries))
	for _, m := range s.ministries {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b ministry.Ministry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *InMemoryStore) StartLeadership(_ context.Context, ministryID domain.MinistryID, leader domain.ActorID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leaders {
		if l.MinistryID == ministryID && l.LeaderID == leader && l.EndedAt == nil {
			return sentinel.ErrAlreadyUsed
		}
	}
	s.leaders = append(s.leaders, &ministry.Leadership{MinistryID: ministryID, LeaderID: leader, StartedAt: at})
	return nil
}

func (s *InMemoryStore) EndLeadership(_ context.Context, ministryID domain.MinistryID, leader domain.ActorID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leaders {
		if l.MinistryID == ministryID && l.LeaderID == leader && l.EndedAt == nil {
			l.EndedAt = &at
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) AddMember(_ context.Context, ministryID domain.MinistryID, person domain.PersonID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.MinistryID == ministryID && m.PersonID == person && m.LeftAt == nil {
			return sentinel.ErrAlreadyUsed
		}
	}
	s.members = append(s.members, &ministry.Membership{MinistryID: ministryID, PersonID: person, JoinedAt: at})
	return nil
}

func (s *InMemoryStore) RemoveMember(_ context.Context, ministryID domain.MinistryID, person domain.PersonID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.MinistryID == ministryID && m.PersonID == person && m.LeftAt == nil {
			m.LeftAt = &at
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) AssignPastor(_ context.Context, person domain.PersonID, pastor domain.ActorID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.PersonID == person && a.EndedAt == nil {
			a.EndedAt = &at
		}
	}
	s.assignments = append(s.assignments, &ministry.PastoralAssignment{PersonID: person, PastorID: pastor, StartedAt: at})
	return nil
}

func (s *InMemoryStore) EndPastoralAssignment(_ context.Context, person domain.PersonID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.PersonID == person && a.EndedAt == nil {
			a.EndedAt = &at
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) LeadsMinistryOf(_ context.Context, leader domain.ActorID, person domain.PersonID, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.leaders {
		if l.LeaderID != leader || !ministry.EffectiveSince(l.EndedAt, since) {
			continue
		}
		for _, m := range s.members {
			if m.MinistryID == l.MinistryID && m.PersonID == person && ministry.EffectiveSince(m.LeftAt, since) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *InMemoryStore) IsAssignedPastor(_ context.Context, pastor domain.ActorID, person domain.PersonID, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assignments {
		if a.PastorID == pastor && a.PersonID == person && ministry.EffectiveSince(a.EndedAt, since) {
			return true, nil
		}
	}
	return false, nil
}
