// Package fetcher reads one status list from the backend and installs it
// wholesale into the queue store.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/servicedesk/jobsync/internal/backend"
	"github.com/servicedesk/jobsync/internal/job"
	"github.com/servicedesk/jobsync/internal/queue"
	"github.com/servicedesk/jobsync/internal/telemetry"
)

// FetchError reports a failed snapshot read. Unless the caller's context
// ended, the affected list has already been cleared when the caller sees it.
type FetchError struct {
	Service string
	Status  job.Status
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s jobs: %v", e.Service, e.Status, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Endpoint returns the backend path serving the list for status.
func Endpoint(service string, status job.Status) string {
	slug := url.PathEscape(service)
	switch status {
	case job.StatusPending:
		return "/services/" + slug + "/pending"
	case job.StatusProcessing:
		return "/services/" + slug + "/my-pending-job"
	case job.StatusCompleted:
		return "/services/" + slug + "/administrator"
	}
	return ""
}

type Fetcher struct {
	reader  backend.Reader
	store   *queue.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func New(reader backend.Reader, store *queue.Store, logger *slog.Logger, metrics *telemetry.Metrics) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{reader: reader, store: store, logger: logger, metrics: metrics}
}

// FetchStatus reads the list for (service, status) and replaces the stored
// list with it. On a backend failure the stored list is cleared and a
// *FetchError is returned. A read abandoned because ctx ended says nothing
// about the backend, so it leaves the stored list alone.
func (f *Fetcher) FetchStatus(ctx context.Context, service string, status job.Status) ([]job.Job, error) {
	if !status.Valid() {
		return nil, &FetchError{Service: service, Status: status, Err: job.ErrInvalidStatus}
	}

	seq := f.store.BeginFetch(service, status)
	defer f.store.EndFetch(service, status, seq)

	start := time.Now()
	jobs, err := f.read(ctx, service, status)
	f.metrics.Fetch(ctx, service, string(status), time.Since(start), err)

	if err != nil && ctx.Err() != nil {
		f.logger.Debug("snapshot fetch abandoned",
			slog.String("service", service),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return nil, &FetchError{Service: service, Status: status, Err: err}
	}
	if err != nil {
		f.store.Replace(service, status, []job.Job{}, seq)
		f.logger.Warn("snapshot fetch failed",
			slog.String("service", service),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		return nil, &FetchError{Service: service, Status: status, Err: err}
	}

	if !f.store.Replace(service, status, jobs, seq) {
		f.logger.Debug("snapshot superseded by a newer fetch",
			slog.String("service", service),
			slog.String("status", string(status)),
		)
	}
	return jobs, nil
}

func (f *Fetcher) read(ctx context.Context, service string, status job.Status) ([]job.Job, error) {
	raw, err := f.reader.Get(ctx, Endpoint(service, status))
	if err != nil {
		return nil, err
	}
	items, err := backend.UnwrapList(raw)
	if err != nil {
		return nil, err
	}

	jobs := make([]job.Job, 0, len(items))
	for i, item := range items {
		j, err := job.NormalizeIn(item, status)
		if err == nil && j.ID == "" {
			err = errors.New("missing id")
		}
		if err != nil {
			f.logger.Warn("skipping snapshot entry",
				slog.String("service", service),
				slog.String("status", string(status)),
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		if j.ServiceSlug == "" {
			j.ServiceSlug = service
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
