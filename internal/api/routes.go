package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/servicedesk/jobsync/internal/action"
	"github.com/servicedesk/jobsync/internal/config"
	"github.com/servicedesk/jobsync/internal/queue"
	"github.com/servicedesk/jobsync/internal/refresh"
	"github.com/servicedesk/jobsync/internal/telemetry"
)

// MetricsSource serves collected metric readings.
type MetricsSource interface {
	Collect(ctx context.Context) ([]telemetry.Point, error)
}

type Deps struct {
	Config  *config.Config
	Store   *queue.Store
	Refresh *refresh.Orchestrator
	Actions *action.Coordinator
	Logger  *slog.Logger
	// Push reports whether the push transport is connected; nil means no
	// transport is configured.
	Push func() bool
	// Metrics is optional; without it /metrics answers 404.
	Metrics MetricsSource
	// MaxUpload caps a staged attachment in bytes; zero means 20 MiB.
	MaxUpload int64
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	h := NewHandlers(d)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/info", h.Info)
	r.Get("/stats", h.Stats)
	r.Get("/metrics", h.Metrics)

	// Queues
	r.Get("/api/services", h.ListServices)
	r.Route("/api/services/{service}", func(r chi.Router) {
		r.Get("/", h.GetService)
		r.Delete("/", h.DropService)
		r.Post("/refresh", h.Refresh)
		r.Get("/queues/{status}", h.ListQueue)

		r.Get("/jobs/{id}", h.GetJob)
		r.Post("/jobs/{id}/take", h.Take)

		r.Get("/selection", h.GetSelection)
		r.Put("/selection", h.Select)
		r.Delete("/selection", h.ClearSelection)
		r.Put("/attachment", h.StageAttachment)
		r.Post("/complete", h.Complete)
	})
	r.Get("/api/claims", h.ListClaims)

	// WebSocket
	r.Get("/ws/changes", h.StreamChanges)

	return r
}
