package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/servicedesk/jobsync/internal/job"
)

type serviceSummary struct {
	Service    string             `json:"service"`
	Version    uint64             `json:"version"`
	Counts     map[job.Status]int `json:"counts"`
	Refreshing bool               `json:"refreshing"`
}

func (h *Handlers) ListServices(w http.ResponseWriter, r *http.Request) {
	services := h.store.Services()
	out := make([]serviceSummary, 0, len(services))
	for _, svc := range services {
		snap := h.store.Snapshot(svc)
		counts := make(map[job.Status]int, len(job.Statuses))
		for _, st := range job.Statuses {
			counts[st] = len(snap.List(st))
		}
		out = append(out, serviceSummary{
			Service:    svc,
			Version:    snap.Version,
			Counts:     counts,
			Refreshing: snap.Refreshing,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": out})
}

// GetService returns the service snapshot. The ETag is the store version,
// so a client polling with If-None-Match gets 304 until something changes.
func (h *Handlers) GetService(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag(h.store.Version(service)) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	snap := h.store.Snapshot(service)
	w.Header().Set("ETag", etag(snap.Version))
	if q := r.URL.Query().Get("q"); q != "" {
		snap.Pending = filter(snap.Pending, q)
		snap.Processing = filter(snap.Processing, q)
		snap.Completed = filter(snap.Completed, q)
	}
	writeJSON(w, http.StatusOK, snap)
}

// DropService tears down the service's queues and its staged input.
func (h *Handlers) DropService(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	h.store.Drop(service)
	if err := h.actions.ClearSelection(service); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.store.Get(chi.URLParam(r, "service"), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) ListQueue(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	status, err := job.ParseStatus(chi.URLParam(r, "status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs := filter(h.store.List(service, status), r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, map[string]any{
		"service": service,
		"status":  status,
		"loading": h.store.Loading(service, status),
		"jobs":    jobs,
		"total":   len(jobs),
	})
}

// Refresh re-reads every list of the service, or only the lists named in
// ?status=pending,completed.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	if raw := r.URL.Query().Get("status"); raw != "" {
		var statuses []job.Status
		for _, s := range strings.Split(raw, ",") {
			st, err := job.ParseStatus(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
		if err := h.refresh.Resync(r.Context(), service, statuses...); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, h.store.Snapshot(service))
		return
	}

	res := h.refresh.RefreshAll(r.Context(), service)
	errs := make(map[job.Status]string)
	for st, err := range res.Errors {
		if err != nil {
			errs[st] = err.Error()
		}
	}

	code := http.StatusOK
	if len(errs) > 0 {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]any{
		"snapshot": h.store.Snapshot(service),
		"errors":   errs,
	})
}

func etag(version uint64) string {
	return `"` + strconv.FormatUint(version, 10) + `"`
}

func filter(jobs []job.Job, q string) []job.Job {
	if q == "" {
		return jobs
	}
	out := make([]job.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Matches(q) {
			out = append(out, j)
		}
	}
	return out
}
