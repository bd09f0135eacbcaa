// Package admin guards operator endpoints: user management and key
// rotation.
package admin

import (
	"log/slog"
	"net/http"

	"shepherd/pkg/domain"
	"shepherd/pkg/platform/middleware/auth"
)

// RequireAdministrator admits only authenticated administrators.
func RequireAdministrator(logger *slog.Logger) func(http.Handler) http.Handler {
	return auth.RequireRole(logger, domain.RoleAdministrator)
}
