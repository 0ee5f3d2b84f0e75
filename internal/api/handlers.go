package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/servicedesk/jobsync/internal/action"
	"github.com/servicedesk/jobsync/internal/backend"
	"github.com/servicedesk/jobsync/internal/config"
	"github.com/servicedesk/jobsync/internal/job"
	"github.com/servicedesk/jobsync/internal/queue"
	"github.com/servicedesk/jobsync/internal/refresh"
)

var startTime = time.Now()

const version = "0.1.0"

type Handlers struct {
	cfg       *config.Config
	store     *queue.Store
	refresh   *refresh.Orchestrator
	actions   *action.Coordinator
	logger    *slog.Logger
	push      func() bool
	metrics   MetricsSource
	maxUpload int64
}

func NewHandlers(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxUpload := d.MaxUpload
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Handlers{
		cfg:       d.Config,
		store:     d.Store,
		refresh:   d.Refresh,
		actions:   d.Actions,
		logger:    logger,
		push:      d.Push,
		metrics:   d.Metrics,
		maxUpload: maxUpload,
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"version":        version,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	}
	if h.cfg != nil {
		info["backend_url"] = h.cfg.Backend.URL
		info["push_transport"] = h.cfg.Push.Transport
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	services := h.store.Services()
	jobs := map[job.Status]int{}
	for _, svc := range services {
		snap := h.store.Snapshot(svc)
		for _, st := range job.Statuses {
			jobs[st] += len(snap.List(st))
		}
	}

	stats := map[string]any{
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"services":       len(services),
		"jobs":           jobs,
		"claims":         h.actions.ClaimStats(),
	}
	if h.push != nil {
		stats["push_connected"] = h.push()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics are not enabled")
		return
	}
	points, err := h.metrics.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeActionError maps coordinator and backend failures onto status codes.
func writeActionError(w http.ResponseWriter, err error) {
	var te *action.TransitionError
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, action.ErrDeclined):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, action.ErrClaimed),
		errors.Is(err, action.ErrNotPending),
		errors.Is(err, action.ErrNotProcessing):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &te):
		writeError(w, http.StatusBadGateway, te.Message)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
