package session

import (
	"context"
	"slices"
	"sync"

	"shepherd/internal/auth/models"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
)

// InMemorySessionStore keeps sessions in process memory. Expired sessions are
// kept until the process exits; IsActive filters them.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*models.Session
}

func New() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[domain.SessionID]*models.Session)}
}

func (s *InMemorySessionStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

func (s *InMemorySessionStore) FindByID(_ context.Context, id domain.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[id]; ok {
		found := *session
		return &found, nil
	}
	return nil, sentinel.ErrNotFound
}

// Execute runs validate then mutate on the session under the store lock. If
// validate fails nothing is written.
func (s *InMemorySessionStore) Execute(_ context.Context, id domain.SessionID, validate func(*models.Session) error, mutate func(*models.Session)) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := *session
	if err := validate(&working); err != nil {
		return nil, err
	}
	mutate(&working)
	s.sessions[id] = &working
	result := working
	return &result, nil
}

// ListByActor returns the actor's sessions, newest first.
func (s *InMemorySessionStore) ListByActor(_ context.Context, actorID domain.ActorID) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, session := range s.sessions {
		if session.ActorID == actorID {
			found := *session
			out = append(out, &found)
		}
	}
	slices.SortFunc(out, func(a, b *models.Session) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}
