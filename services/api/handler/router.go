package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/0D1nn8502/ReadThatPDF/services/api/middleware"
)

// RouterConfig holds the HTTP-layer settings.
type RouterConfig struct {
	MaxBodyBytes   int64
	AdminJWTSecret string // empty disables admin auth
}

// NewRouter mounts every route of the API.
func NewRouter(h *REST, cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	if cfg.MaxBodyBytes > 0 {
		r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	}

	r.Get("/health", h.Health)
	r.Get("/readyz", h.Readyz)

	r.Post("/process-pdf-text", h.ProcessText)
	r.Get("/task-status/{id}", h.GetTaskStatus)
	r.Get("/user-insights/{id}", h.GetUserInsights)
	r.Get("/user-schedule/{id}", h.GetUserSchedule)
	r.Delete("/user-schedule/{id}", h.CancelUserSchedule)
	r.Get("/user-schedule/{id}/history", h.GetUserHistory)
	r.Post("/trigger-scheduled-processing/{id}", h.TriggerProcessing)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminOnly(cfg.AdminJWTSecret))
		r.Get("/system-metrics", h.SystemMetrics)
		r.Post("/cleanup-expired", h.CleanupExpired)
		r.Get("/scheduler-health", h.Health)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", "not_found")
	})
	return r
}
