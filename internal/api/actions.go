package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/servicedesk/jobsync/internal/job"
	"github.com/servicedesk/jobsync/internal/spool"
)

const defaultMaxUpload = 20 << 20

func (h *Handlers) Take(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	id := chi.URLParam(r, "id")

	if err := h.actions.Take(r.Context(), job.Job{ID: id, ServiceSlug: service}); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.store.Snapshot(service))
}

type selectionResponse struct {
	Service    string `json:"service"`
	JobID      string `json:"job_id,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	Size       int    `json:"size,omitempty"`
}

func (h *Handlers) selection(service string) selectionResponse {
	resp := selectionResponse{Service: service}
	resp.JobID, _ = h.actions.Selected(service)
	if a, ok := h.actions.Staged(service); ok {
		resp.Attachment = a.Filename
		resp.Size = len(a.Data)
	}
	return resp
}

func (h *Handlers) GetSelection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.selection(chi.URLParam(r, "service")))
}

type SelectRequest struct {
	JobID string `json:"job_id"`
}

func (h *Handlers) Select(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.actions.Select(service, req.JobID); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.selection(service))
}

func (h *Handlers) ClearSelection(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := h.actions.ClearSelection(service); err != nil {
		writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StageAttachment accepts either a multipart form with a "file" part or a
// raw body named by ?filename=.
func (h *Handlers) StageAttachment(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	var a spool.Attachment
	f, hdr, err := r.FormFile("file")
	switch {
	case err == nil:
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read file")
			return
		}
		a = spool.Attachment{Filename: hdr.Filename, ContentType: hdr.Header.Get("Content-Type"), Data: data}

	case errors.Is(err, http.ErrNotMultipart):
		name := r.URL.Query().Get("filename")
		if name == "" {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeUploadError(w, err, "failed to read body")
			return
		}
		a = spool.Attachment{Filename: name, ContentType: r.Header.Get("Content-Type"), Data: data}

	case errors.Is(err, http.ErrMissingFile):
		writeError(w, http.StatusBadRequest, "file is required")
		return

	default:
		writeUploadError(w, err, "invalid multipart body")
		return
	}

	if err := h.actions.Stage(service, a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, h.selection(service))
}

func writeUploadError(w http.ResponseWriter, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "attachment exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		return
	}
	writeError(w, http.StatusBadRequest, msg)
}

func (h *Handlers) Complete(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := h.actions.Complete(r.Context(), service); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.store.Snapshot(service))
}

func (h *Handlers) ListClaims(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"claims": h.actions.Claims(r.URL.Query().Get("service")),
	})
}
