// Package service is the credential store: staff accounts, login and the
// session lifecycle the access guard consults.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"shepherd/internal/auth/models"
	"shepherd/internal/auth/secrets"
	"shepherd/internal/auth/token"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
	"shepherd/pkg/platform/sentinel"
	"shepherd/pkg/requestcontext"
)

const defaultSessionTTL = 8 * time.Hour

type UserStore interface {
	Save(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id domain.ActorID) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	RecordLogin(ctx context.Context, id domain.ActorID, at time.Time) error
	SetActive(ctx context.Context, id domain.ActorID, active bool) error
	List(ctx context.Context) ([]*models.User, error)
}

type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id domain.SessionID) (*models.Session, error)
	Execute(ctx context.Context, id domain.SessionID, validate func(*models.Session) error, mutate func(*models.Session)) (*models.Session, error)
	ListByActor(ctx context.Context, actorID domain.ActorID) ([]*models.Session, error)
}

// AuditLog records security events.
type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// Lockout throttles repeated login failures per account and client IP.
type Lockout interface {
	Check(ctx context.Context, identifier, ip string) error
	RecordFailure(ctx context.Context, identifier, ip string) error
	Clear(ctx context.Context, identifier, ip string) error
}

// Service authenticates staff and owns their sessions.
type Service struct {
	users      UserStore
	sessions   SessionStore
	tokens     *token.Service
	auditLog   AuditLog
	lockout    Lockout
	logger     *slog.Logger
	metrics    *Metrics
	sessionTTL time.Duration

	dummyHash func() string
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditLog(log AuditLog) Option {
	return func(s *Service) {
		s.auditLog = log
	}
}

func WithLockout(l Lockout) Option {
	return func(s *Service) {
		s.lockout = l
	}
}

// WithSessionTTL sets how long a session lasts after login.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

func New(users UserStore, sessions SessionStore, tokens *token.Service, opts ...Option) *Service {
	s := &Service{
		users:      users,
		sessions:   sessions,
		tokens:     tokens,
		logger:     slog.New(slog.DiscardHandler),
		sessionTTL: defaultSessionTTL,
		dummyHash: sync.OnceValue(func() string {
			hash, _ := secrets.Hash("timing-equalizer")
			return hash
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a staff account.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	if !req.Role.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown role: "+req.Role.String())
	}
	if models.NormalizeEmail(req.Email) == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "email is required")
	}
	hash, err := secrets.Hash(req.Password)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		ID:           domain.NewActorID(),
		Email:        models.NormalizeEmail(req.Email),
		Name:         req.Name,
		Role:         req.Role,
		PasswordHash: hash,
		PersonID:     req.PersonID,
		Active:       true,
		CreatedAt:    requestcontext.Now(ctx),
	}
	if err := s.users.Save(ctx, user); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "email already registered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save user")
	}
	s.logger.InfoContext(ctx, "user registered",
		"actor_id", user.ID.String(),
		"role", user.Role,
	)
	return user, nil
}

// Login verifies credentials and opens a session. Unknown e-mail, wrong
// password and disabled accounts all return the same unauthorized error.
func (s *Service) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResult, error) {
	invalid := dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	ip := requestcontext.ClientIP(ctx)
	if s.lockout != nil {
		if err := s.lockout.Check(ctx, req.Email, ip); err != nil {
			if dErrors.HasCode(err, dErrors.CodeRateLimited) {
				s.metrics.IncLogin("locked_out")
				return nil, err
			}
			s.logger.WarnContext(ctx, "login lockout check failed", "error", err)
		}
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			_ = secrets.Verify(req.Password, s.dummyHash())
			s.loginFailure(ctx, req.Email, "unknown_email")
			return nil, invalid
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}
	if err := secrets.Verify(req.Password, user.PasswordHash); err != nil {
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
			s.loginFailure(ctx, req.Email, "wrong_password", "actor_id", user.ID.String())
			return nil, invalid
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify credentials")
	}
	if !user.Active {
		s.loginFailure(ctx, req.Email, "inactive_user", "actor_id", user.ID.String())
		return nil, invalid
	}

	now := requestcontext.Now(ctx)
	session := &models.Session{
		ID:        domain.NewSessionID(),
		ActorID:   user.ID,
		Role:      user.Role,
		PersonID:  user.PersonID,
		ClientIP:  requestcontext.ClientIP(ctx),
		Device:    requestcontext.Device(ctx),
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	signed, err := s.tokens.Issue(user.ID, session.ID, user.Role, now, session.ExpiresAt)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue token")
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
	}
	if err := s.users.RecordLogin(ctx, user.ID, now); err != nil {
		s.logger.WarnContext(ctx, "failed to record login time", "actor_id", user.ID.String(), "error", err)
	}

	if s.lockout != nil {
		if err := s.lockout.Clear(ctx, req.Email, session.ClientIP); err != nil {
			s.logger.WarnContext(ctx, "failed to clear login failures", "error", err)
		}
	}

	s.metrics.IncLogin("success")
	s.logger.InfoContext(ctx, "login succeeded",
		"actor_id", user.ID.String(),
		"session_id", session.ID.String(),
		"device", session.Device,
	)
	return &models.LoginResult{
		Token:     signed,
		ExpiresAt: session.ExpiresAt,
		Actor:     session.Actor(),
	}, nil
}

func (s *Service) loginFailure(ctx context.Context, email, reason string, attrs ...any) {
	s.metrics.IncLogin(reason)
	if s.lockout != nil {
		if err := s.lockout.RecordFailure(ctx, email, requestcontext.ClientIP(ctx)); err != nil {
			s.logger.WarnContext(ctx, "failed to record login failure", "error", err)
		}
	}
	s.logger.WarnContext(ctx, "login failed", append([]any{"reason", reason}, attrs...)...)
}

// Authenticate resolves a bearer token to the actor of a live session.
func (s *Service) Authenticate(ctx context.Context, bearer string) (domain.Actor, error) {
	sessionID, err := s.tokens.SessionID(bearer)
	if err != nil {
		return domain.Actor{}, err
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return domain.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "session not found")
		}
		return domain.Actor{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if !session.IsActive(requestcontext.Now(ctx)) {
		return domain.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "session is no longer active")
	}
	return session.Actor(), nil
}

// ValidSession reports whether the actor's session exists, belongs to the
// actor and is neither revoked nor expired. Store failures are returned as
// errors so callers can fail closed.
func (s *Service) ValidSession(ctx context.Context, actor domain.Actor) (bool, error) {
	if actor.SessionID.IsNil() {
		return false, nil
	}
	session, err := s.sessions.FindByID(ctx, actor.SessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if session.ActorID != actor.ID || session.Role != actor.Role {
		return false, nil
	}
	return session.IsActive(requestcontext.Now(ctx)), nil
}

// CurrentSession returns the actor authenticated for this request.
func (s *Service) CurrentSession(ctx context.Context) (domain.Actor, error) {
	actor := requestcontext.Actor(ctx)
	if actor.IsZero() {
		return domain.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "not authenticated")
	}
	return actor, nil
}

// Users lists staff accounts.
func (s *Service) Users(ctx context.Context) ([]*models.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list users")
	}
	return users, nil
}
