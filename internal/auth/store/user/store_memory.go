package user

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"shepherd/internal/auth/models"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
)

// InMemoryUserStore keeps staff accounts in process memory.
type InMemoryUserStore struct {
	mu      sync.RWMutex
	users   map[domain.ActorID]*models.User
	byEmail map[string]domain.ActorID
}

func New() *InMemoryUserStore {
	return &InMemoryUserStore{
		users:   make(map[domain.ActorID]*models.User),
		byEmail: make(map[string]domain.ActorID),
	}
}

// Save creates the user. The e-mail must be unused.
func (s *InMemoryUserStore) Save(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := models.NormalizeEmail(user.Email)
	if owner, ok := s.byEmail[email]; ok && owner != user.ID {
		return sentinel.ErrAlreadyUsed
	}
	stored := *user
	stored.Email = email
	s.users[user.ID] = &stored
	s.byEmail[email] = user.ID
	return nil
}

func (s *InMemoryUserStore) FindByID(_ context.Context, id domain.ActorID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if user, ok := s.users[id]; ok {
		found := *user
		return &found, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryUserStore) FindByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.byEmail[models.NormalizeEmail(email)]; ok {
		found := *s.users[id]
		return &found, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryUserStore) RecordLogin(_ context.Context, id domain.ActorID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	user.LastLoginAt = &at
	return nil
}

func (s *InMemoryUserStore) SetActive(_ context.Context, id domain.ActorID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	user.Active = active
	return nil
}

// List returns every user ordered by e-mail.
func (s *InMemoryUserStore) List(_ context.Context) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.User, 0, len(s.users))
	for _, user := range s.users {
		u := *user
		out = append(out, &u)
	}
	slices.SortFunc(out, func(a, b *models.User) int { return strings.Compare(a.Email, b.Email) })
	return out, nil
}
