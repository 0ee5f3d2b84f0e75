// Package refresh fans snapshot fetches out across statuses and services.
package refresh

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/servicedesk/jobsync/internal/job"
	"github.com/servicedesk/jobsync/internal/queue"
)

// StatusFetcher is satisfied by *fetcher.Fetcher.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, service string, status job.Status) ([]job.Job, error)
}

// Result holds the outcome of one refresh-all. A nil entry means the list
// was refreshed.
type Result struct {
	Service string
	Errors  map[job.Status]error
}

// Err joins the per-status failures, or returns nil when every fetch
// succeeded.
func (r Result) Err() error {
	var errs []error
	for _, st := range job.Statuses {
		if err := r.Errors[st]; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Orchestrator struct {
	fetcher StatusFetcher
	store   *queue.Store
	logger  *slog.Logger
}

func New(f StatusFetcher, store *queue.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{fetcher: f, store: store, logger: logger}
}

// RefreshAll fetches the three lists of service concurrently. The store's
// refreshing flag is set before the fetches start and cleared once all of
// them have settled.
func (o *Orchestrator) RefreshAll(ctx context.Context, service string) Result {
	o.store.BeginRefresh(service)
	defer o.store.EndRefresh(service)

	errs := o.fetch(ctx, service, job.Statuses)
	res := Result{Service: service, Errors: make(map[job.Status]error, len(job.Statuses))}
	for i, st := range job.Statuses {
		res.Errors[st] = errs[i]
	}

	if err := res.Err(); err != nil {
		o.logger.Warn("refresh incomplete",
			slog.String("service", service),
			slog.String("error", err.Error()),
		)
	}
	return res
}

// Resync fetches the given lists of service concurrently and joins any
// failures.
func (o *Orchestrator) Resync(ctx context.Context, service string, statuses ...job.Status) error {
	return errors.Join(o.fetch(ctx, service, statuses)...)
}

// RefreshServices runs RefreshAll for every service concurrently.
func (o *Orchestrator) RefreshServices(ctx context.Context, services []string) []Result {
	results := make([]Result, len(services))
	var g errgroup.Group
	for i, svc := range services {
		g.Go(func() error {
			results[i] = o.RefreshAll(ctx, svc)
			return nil
		})
	}
	g.Wait()
	return results
}

// fetch runs one FetchStatus per status. Each goroutine reports its own
// error through the slice so one failure never cancels the siblings.
func (o *Orchestrator) fetch(ctx context.Context, service string, statuses []job.Status) []error {
	errs := make([]error, len(statuses))
	var g errgroup.Group
	for i, st := range statuses {
		g.Go(func() error {
			_, errs[i] = o.fetcher.FetchStatus(ctx, service, st)
			return nil
		})
	}
	g.Wait()
	return errs
}
