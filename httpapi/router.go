package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voyagekit/sagaflow"
)

// NewRouter builds the HTTP surface: instance lifecycle endpoints plus a
// Prometheus metrics scrape.
func NewRouter(handler *Handler, metrics *sagaflow.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/instances/{orchestrator}", handler.ScheduleInstance)
	r.Get("/instances/{id}", handler.GetInstance)
	r.Delete("/instances/{id}", handler.TerminateInstance)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}
