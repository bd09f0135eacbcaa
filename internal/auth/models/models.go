package models

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
)

// User is a staff account able to sign in.
type User struct {
	ID           domain.ActorID
	Email        string
	Name         string
	Role         domain.Role
	PasswordHash string
	// PersonID links the account to the staff member's own registry entry.
	PersonID    domain.PersonID
	Active      bool
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// Actor projects the user onto the identity carried through requests.
func (u *User) Actor(sessionID domain.SessionID) domain.Actor {
	return domain.Actor{
		ID:        u.ID,
		Role:      u.Role,
		SessionID: sessionID,
		PersonID:  u.PersonID,
	}
}

var emailFolder = cases.Fold()

// NormalizeEmail trims and case-folds an address so lookups are
// case-insensitive across scripts.
func NormalizeEmail(email string) string {
	return emailFolder.String(strings.TrimSpace(email))
}

// Session is a signed-in period for one user.
type Session struct {
	ID        domain.SessionID `json:"id"`
	ActorID   domain.ActorID   `json:"actor_id"`
	Role      domain.Role      `json:"role"`
	PersonID  domain.PersonID  `json:"person_id"`
	ClientIP  string           `json:"client_ip,omitempty"`
	Device    string           `json:"device,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	RevokedAt *time.Time       `json:"revoked_at,omitempty"`
}

// IsActive reports whether the session can still authorize requests at now.
func (s *Session) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// CanRevoke returns an error if the session was already revoked.
func (s *Session) CanRevoke() error {
	if s.RevokedAt != nil {
		return dErrors.New(dErrors.CodeConflict, "session already revoked")
	}
	return nil
}

func (s *Session) ApplyRevocation(now time.Time) {
	s.RevokedAt = &now
}

// Actor projects the session onto the identity carried through requests.
func (s *Session) Actor() domain.Actor {
	return domain.Actor{
		ID:        s.ActorID,
		Role:      s.Role,
		SessionID: s.ID,
		PersonID:  s.PersonID,
	}
}

// RegisterRequest creates a staff account.
type RegisterRequest struct {
	Email    string          `json:"email" validate:"required,email,max=254"`
	Name     string          `json:"name" validate:"required,max=200"`
	Role     domain.Role     `json:"role" validate:"required"`
	Password string          `json:"password" validate:"required,min=10,max=72"`
	PersonID domain.PersonID `json:"person_id"`
}

// LoginRequest carries credentials.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginResult is returned on successful sign-in.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Actor     domain.Actor
}
