// Package httptransport is the JSON API over chi. Handlers decode and
// validate input, take the actor from the request context and call the
// services; authorization stays in the services.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"shepherd/internal/platform/metrics"
	"shepherd/internal/ratelimit"
	"shepherd/pkg/platform/httputil"
	"shepherd/pkg/platform/middleware/admin"
	"shepherd/pkg/platform/middleware/auth"
	"shepherd/pkg/platform/middleware/metadata"
	"shepherd/pkg/platform/middleware/request"
	"shepherd/pkg/platform/middleware/requesttime"
)

const requestTimeout = 30 * time.Second

// Services are the application services the router exposes.
type Services struct {
	Auth     AuthService
	People   PeopleService
	Funnel   FunnelService
	Records  RecordsService
	Keys     KeyService
	FollowUp FollowUpService
	Ministry MinistryService
	Audit    AuditService
	// LoginLimit throttles POST /auth/login per client IP. Optional.
	LoginLimit *ratelimit.Limiter
}

// NewRouter wires every route. m may be nil.
func NewRouter(svc Services, logger *slog.Logger, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Logger(logger))
	r.Use(request.Recover(logger))
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(chimiddleware.Timeout(requestTimeout))
	if m != nil {
		r.Use(m.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authHandler := NewAuthHandler(svc.Auth, logger)
	r.Group(func(r chi.Router) {
		if svc.LoginLimit != nil {
			r.Use(svc.LoginLimit.Middleware)
		}
		authHandler.RegisterPublic(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(svc.Auth, logger))

		authHandler.Register(r)
		NewPeopleHandler(svc.People, svc.Funnel, logger).Register(r)
		NewRecordsHandler(svc.Records, logger).Register(r)
		NewFollowUpHandler(svc.FollowUp, logger).Register(r)
		NewMinistryHandler(svc.Ministry, logger).Register(r)
		NewAuditHandler(svc.Audit, logger).Register(r)

		r.Route("/admin", func(r chi.Router) {
			r.Use(admin.RequireAdministrator(logger))
			authHandler.RegisterAdmin(r)
			NewKeysHandler(svc.Keys, logger).Register(r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
	})
	return r
}
