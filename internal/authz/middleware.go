package authz

import (
	"net/http"

	"github.com/enrollhq/enrollhq/internal/platform/httpx"
	"github.com/enrollhq/enrollhq/internal/shared"
)

// Middleware guards routes with permission checks resolved from the cached
// projections of the authenticated principal.
type Middleware struct {
	service *Service
}

// NewMiddleware constructs the permission middleware.
func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// RequireAny admits the request when the principal holds at least one of the
// named permissions, in either scope.
func (m *Middleware) RequireAny(names ...string) func(http.Handler) http.Handler {
	return m.require(func(set PermissionSet) bool {
		for _, name := range names {
			if set.HasAny(name) {
				return true
			}
		}
		return false
	})
}

// RequireAll admits the request only when the principal holds every named
// permission.
func (m *Middleware) RequireAll(names ...string) func(http.Handler) http.Handler {
	return m.require(func(set PermissionSet) bool {
		for _, name := range names {
			if !set.HasAny(name) {
				return false
			}
		}
		return true
	})
}

func (m *Middleware) require(allowed func(PermissionSet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, shared.ErrAuthorization)
				return
			}
			set, err := m.service.ResolvePermissions(r.Context(), principal)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			if !allowed(set) {
				httpx.RespondError(w, shared.ErrAuthorization)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
