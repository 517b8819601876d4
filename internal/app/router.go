package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/enrollhq/enrollhq/internal/auth"
	"github.com/enrollhq/enrollhq/internal/authz"
	"github.com/enrollhq/enrollhq/internal/colleges"
	"github.com/enrollhq/enrollhq/internal/observability"
	"github.com/enrollhq/enrollhq/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Authenticator   *auth.Authenticator
	AuthzHandler    *authz.Handler
	AuthzGuard      *authz.Middleware
	CollegesHandler *colleges.Handler
	JobsHandler     *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router. Every /api route requires a bearer
// token; /healthz and /metrics stay open for probes and scrapers.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(params.Authenticator.Middleware)
		if params.CollegesHandler != nil {
			r.Route("/colleges", params.CollegesHandler.MountRoutes)
		}
		r.Mount("/", params.AuthzHandler.Routes(params.AuthzGuard))
	})

	if params.JobsHandler != nil {
		r.Route("/jobs", params.JobsHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
