package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"shepherd/internal/auth/models"
	"shepherd/internal/auth/service"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/httputil"
)

// AuthService signs staff in and out and manages accounts.
type AuthService interface {
	Authenticate(ctx context.Context, bearer string) (domain.Actor, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResult, error)
	Logout(ctx context.Context, actor domain.Actor) error
	CurrentSession(ctx context.Context) (domain.Actor, error)
	Register(ctx context.Context, req models.RegisterRequest) (*models.User, error)
	Users(ctx context.Context) ([]*models.User, error)
	Deactivate(ctx context.Context, by domain.Actor, actorID domain.ActorID) (*service.DeactivateResult, error)
}

type AuthHandler struct {
	auth   AuthService
	logger *slog.Logger
}

func NewAuthHandler(auth AuthService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// RegisterPublic registers routes reachable without a session.
func (h *AuthHandler) RegisterPublic(r chi.Router) {
	r.Post("/auth/login", h.handleLogin)
}

func (h *AuthHandler) Register(r chi.Router) {
	r.Post("/auth/logout", h.handleLogout)
	r.Get("/auth/session", h.handleSession)
}

// RegisterAdmin registers account management under the admin group.
func (h *AuthHandler) RegisterAdmin(r chi.Router) {
	r.Get("/users", h.handleListUsers)
	r.Post("/users", h.handleRegisterUser)
	r.Post("/users/{actorID}/deactivate", h.handleDeactivateUser)
}

type actorResponse struct {
	ID        domain.ActorID   `json:"id"`
	Role      domain.Role      `json:"role"`
	SessionID domain.SessionID `json:"session_id"`
	PersonID  *domain.PersonID `json:"person_id,omitempty"`
}

func actorView(a domain.Actor) actorResponse {
	v := actorResponse{ID: a.ID, Role: a.Role, SessionID: a.SessionID}
	if !a.PersonID.IsNil() {
		v.PersonID = &a.PersonID
	}
	return v
}

type loginResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	Actor     actorResponse `json:"actor"`
}

type userResponse struct {
	ID          domain.ActorID   `json:"id"`
	Email       string           `json:"email"`
	Name        string           `json:"name"`
	Role        domain.Role      `json:"role"`
	PersonID    *domain.PersonID `json:"person_id,omitempty"`
	Active      bool             `json:"active"`
	CreatedAt   time.Time        `json:"created_at"`
	LastLoginAt *time.Time       `json:"last_login_at,omitempty"`
}

func userView(u *models.User) userResponse {
	v := userResponse{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
	if !u.PersonID.IsNil() {
		v.PersonID = &u.PersonID
	}
	return v
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.auth.Login(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		Actor:     actorView(res.Actor),
	})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), actorFrom(r)); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	actor, err := h.auth.CurrentSession(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, actorView(actor))
}

func (h *AuthHandler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.auth.Users(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	views := make([]userResponse, 0, len(users))
	for _, u := range users {
		views = append(views, userView(u))
	}
	httputil.WriteJSON(w, http.StatusOK, list(views))
}

func (h *AuthHandler) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "staff account created",
		"actor_id", user.ID.String(),
		"by", actorFrom(r).ID.String(),
	)
	httputil.WriteJSON(w, http.StatusCreated, userView(user))
}

func (h *AuthHandler) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseActorID(chi.URLParam(r, "actorID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.auth.Deactivate(r.Context(), actorFrom(r), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
