package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/buildora/buildora/internal/observability"
	"github.com/buildora/buildora/internal/platform/httpx"
	"github.com/buildora/buildora/jobs"
)

// HealthChecker reports whether a dependency can serve traffic.
type HealthChecker interface {
	Healthy() bool
}

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Ledger     HealthChecker
	JobHandler *jobs.Handler
	Metrics    *observability.Metrics
}

// NewRouter constructs the ops chi.Router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Ledger != nil && !params.Ledger.Healthy() {
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "ledger": "storage failing"})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
