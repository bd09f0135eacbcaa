// Package auth authenticates bearer session tokens and gates routes by role.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/httputil"
	"shepherd/pkg/requestcontext"
)

// Authenticator resolves a bearer token to the staff actor holding a live
// session.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (domain.Actor, error)
}

const bearerPrefix = "Bearer "

// RequireAuth rejects requests without a valid, live session and stores the
// actor on the request context.
func RequireAuth(authenticator Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			actor, err := authenticator.Authenticate(ctx, strings.TrimSpace(token))
			if err != nil {
				if code, _ := dErrors.CodeOf(err); code == dErrors.CodeInternal || code == dErrors.CodeUnavailable {
					logger.ErrorContext(ctx, "failed to authenticate session",
						"error", err,
						"request_id", requestcontext.RequestID(ctx),
					)
					httputil.WriteError(w, err)
					return
				}
				logger.WarnContext(ctx, "unauthorized access - invalid session",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired session"))
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithActor(ctx, actor)))
		})
	}
}

// RequireRole admits only authenticated actors holding one of roles. It must
// run after RequireAuth.
func RequireRole(logger *slog.Logger, roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			actor := requestcontext.Actor(ctx)
			if actor.IsZero() {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}
			if !slices.Contains(roles, actor.Role) {
				logger.WarnContext(ctx, "role not permitted",
					"actor_id", actor.ID.String(),
					"role", actor.Role,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "role not permitted"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
