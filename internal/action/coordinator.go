// Package action drives jobs forward through take and complete. Each call
// holds a claim on its job for the duration of the backend request, and a
// successful call re-syncs the two lists it touched.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/servicedesk/jobsync/internal/backend"
	"github.com/servicedesk/jobsync/internal/job"
	"github.com/servicedesk/jobsync/internal/queue"
	"github.com/servicedesk/jobsync/internal/spool"
	"github.com/servicedesk/jobsync/internal/telemetry"
)

var (
	ErrClaimed       = errors.New("jobsync: job already has a call in flight")
	ErrNotPending    = errors.New("jobsync: job is not pending")
	ErrNotProcessing = errors.New("jobsync: job is not processing")
	ErrDeclined      = errors.New("jobsync: select a job and stage an attachment first")
)

// TransitionError reports a take or complete the backend refused. Message
// is the backend's own message when it sent one.
type TransitionError struct {
	Action  ClaimKind
	Service string
	JobID   string
	Message string
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s/%s: %s", e.Action, e.Service, e.JobID, e.Message)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Resyncer is satisfied by *refresh.Orchestrator.
type Resyncer interface {
	Resync(ctx context.Context, service string, statuses ...job.Status) error
}

// Staging persists the one staged attachment per service; *spool.Spool
// satisfies it.
type Staging interface {
	Put(service string, a spool.Attachment) error
	Get(service string) (spool.Attachment, error)
	Delete(service string) error
}

type Coordinator struct {
	store   *queue.Store
	writer  backend.Writer
	resync  Resyncer
	staging Staging
	logger  *slog.Logger
	metrics *telemetry.Metrics

	claims *claimBook

	mu       sync.Mutex
	selected map[string]string
}

func New(store *queue.Store, writer backend.Writer, resync Resyncer, staging Staging, logger *slog.Logger, metrics *telemetry.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		writer:   writer,
		resync:   resync,
		staging:  staging,
		logger:   logger,
		metrics:  metrics,
		claims:   newClaimBook(),
		selected: make(map[string]string),
	}
}

func transitionPath(service, id, verb string) string {
	return "/services/" + url.PathEscape(service) + "/" + url.PathEscape(id) + "/" + verb
}

// Take moves a pending job to processing. The job must sit in the local
// pending list and carry no claim.
func (c *Coordinator) Take(ctx context.Context, j job.Job) error {
	service, id := j.ServiceSlug, j.ID
	if st, ok := c.store.Locate(service, id); !ok || st != job.StatusPending {
		return ErrNotPending
	}
	claim, ok := c.claims.acquire(service, id, ClaimTake)
	if !ok {
		return ErrClaimed
	}

	_, err := c.writer.Post(ctx, transitionPath(service, id, "take"), nil)
	c.claims.release(claim)
	c.metrics.Transition(ctx, string(ClaimTake), service, err)
	if err != nil {
		return c.refused(ClaimTake, service, id, err)
	}

	c.logger.Info("job taken", slog.String("service", service), slog.String("job_id", id))
	c.afterTransition(ctx, service, job.StatusPending, job.StatusProcessing)
	return nil
}

// Select marks a processing job as the one the next Complete will close.
func (c *Coordinator) Select(service, id string) error {
	if st, ok := c.store.Locate(service, id); !ok || st != job.StatusProcessing {
		return ErrNotProcessing
	}
	c.mu.Lock()
	c.selected[service] = id
	c.mu.Unlock()
	return nil
}

// Selected returns the selected job id of service.
func (c *Coordinator) Selected(service string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.selected[service]
	return id, ok
}

// Stage keeps a as the service's only staged attachment.
func (c *Coordinator) Stage(service string, a spool.Attachment) error {
	if a.Filename == "" {
		return errors.New("attachment has no filename")
	}
	if err := c.staging.Put(service, a); err != nil {
		return fmt.Errorf("stage attachment: %w", err)
	}
	return nil
}

func (c *Coordinator) Staged(service string) (spool.Attachment, bool) {
	a, err := c.staging.Get(service)
	if err != nil {
		if !errors.Is(err, spool.ErrNotFound) {
			c.logger.Warn("read staged attachment", slog.String("service", service), slog.String("error", err.Error()))
		}
		return spool.Attachment{}, false
	}
	return a, true
}

// ClearSelection drops the selected job and the staged attachment.
func (c *Coordinator) ClearSelection(service string) error {
	c.mu.Lock()
	delete(c.selected, service)
	c.mu.Unlock()
	if err := c.staging.Delete(service); err != nil {
		return fmt.Errorf("clear attachment: %w", err)
	}
	return nil
}

// Complete uploads the staged attachment against the selected job. Without
// both it returns ErrDeclined and makes no call. A refused upload leaves the
// selection and attachment in place for a retry.
func (c *Coordinator) Complete(ctx context.Context, service string) error {
	id, selected := c.Selected(service)
	a, staged := c.Staged(service)
	if !selected || !staged {
		return ErrDeclined
	}

	claim, ok := c.claims.acquire(service, id, ClaimComplete)
	if !ok {
		return ErrClaimed
	}

	_, err := c.writer.Post(ctx, transitionPath(service, id, "complete"), &backend.Multipart{
		Field:       "file",
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Data:        a.Data,
	})
	c.claims.release(claim)
	c.metrics.Transition(ctx, string(ClaimComplete), service, err)
	if err != nil {
		return c.refused(ClaimComplete, service, id, err)
	}

	c.logger.Info("job completed",
		slog.String("service", service),
		slog.String("job_id", id),
		slog.String("file", a.Filename),
	)
	if err := c.ClearSelection(service); err != nil {
		c.logger.Warn("clear selection after complete", slog.String("service", service), slog.String("error", err.Error()))
	}
	c.afterTransition(ctx, service, job.StatusProcessing, job.StatusCompleted)
	return nil
}

// Claims lists in-flight claims of service, or of every service when
// service is empty.
func (c *Coordinator) Claims(service string) []Claim {
	return c.claims.list(service)
}

func (c *Coordinator) Claimed(service, id string) bool {
	return c.claims.held(service, id)
}

func (c *Coordinator) ClaimStats() ClaimStats {
	return c.claims.stats()
}

func (c *Coordinator) refused(action ClaimKind, service, id string, err error) error {
	msg := backend.Message(err)
	if msg == "" {
		msg = err.Error()
	}
	c.logger.Warn("transition refused",
		slog.String("action", string(action)),
		slog.String("service", service),
		slog.String("job_id", id),
		slog.String("error", msg),
	)
	return &TransitionError{Action: action, Service: service, JobID: id, Message: msg, Err: err}
}

// afterTransition re-reads the lists a transition touched. The backend has
// already accepted the transition, so the re-read outlives a caller that
// gives up, and a failed re-read is only logged.
func (c *Coordinator) afterTransition(ctx context.Context, service string, statuses ...job.Status) {
	if err := c.resync.Resync(context.WithoutCancel(ctx), service, statuses...); err != nil {
		c.logger.Warn("resync after transition failed",
			slog.String("service", service),
			slog.String("error", err.Error()),
		)
	}
}
