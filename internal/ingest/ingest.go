// Package ingest applies pushed job events to the queue store.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/servicedesk/jobsync/internal/job"
	"github.com/servicedesk/jobsync/internal/queue"
	"github.com/servicedesk/jobsync/internal/telemetry"
)

type Kind string

const (
	KindSubmitted Kind = "job-submitted"
	KindUpdated   Kind = "job-updated"
)

var (
	ErrMalformedEvent = errors.New("jobsync: malformed event")
	ErrUnknownEvent   = errors.New("jobsync: unknown event")
)

// Event is one message as delivered by a push transport. Data is either the
// payload object or a JSON string holding it, as Pusher sends it.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Source delivers events until ctx is cancelled, then closes the channel.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// MalformedEventError wraps the reason an event could not be applied.
type MalformedEventError struct {
	Name string
	Err  error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %q event: %v", e.Name, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }

// KindOf matches an event name after dropping the leading "." and any
// application prefix, so ".jamb-job-submitted" is KindSubmitted.
func KindOf(name string) (Kind, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), ".")
	switch {
	case strings.HasSuffix(name, string(KindSubmitted)):
		return KindSubmitted, true
	case strings.HasSuffix(name, string(KindUpdated)):
		return KindUpdated, true
	}
	return "", false
}

// Decode extracts the job carried by e. Submitted jobs default to pending;
// updated jobs keep an empty status when the payload has none or names one
// outside the three queues.
func Decode(e Event) (Kind, job.Job, error) {
	kind, ok := KindOf(e.Name)
	if !ok {
		return "", job.Job{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Name)
	}

	payload, err := unwrapData(e.Data)
	if err != nil {
		return kind, job.Job{}, &MalformedEventError{Name: e.Name, Err: err}
	}

	var j job.Job
	if kind == KindSubmitted {
		j, err = job.Normalize(payload, job.StatusPending)
	} else {
		j, err = job.NormalizeUpdate(payload)
	}
	if err != nil {
		return kind, job.Job{}, &MalformedEventError{Name: e.Name, Err: err}
	}
	if err := j.Validate(); err != nil {
		return kind, job.Job{}, &MalformedEventError{Name: e.Name, Err: err}
	}
	return kind, j, nil
}

func unwrapData(data json.RawMessage) (json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode payload string: %w", err)
		}
		data = bytes.TrimSpace([]byte(s))
	}

	var wrapper struct {
		Job json.RawMessage `json:"job"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(wrapper.Job) > 0 && !bytes.Equal(wrapper.Job, []byte("null")) {
		return wrapper.Job, nil
	}
	return data, nil
}

type Ingestor struct {
	store   *queue.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func New(store *queue.Store, logger *slog.Logger, metrics *telemetry.Metrics) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, logger: logger, metrics: metrics}
}

// Apply decodes e and mutates the store. Unknown event names are ignored
// and return nil; undecodable events return a *MalformedEventError.
func (in *Ingestor) Apply(ctx context.Context, e Event) error {
	kind, j, err := Decode(e)
	if errors.Is(err, ErrUnknownEvent) {
		in.metrics.Event(ctx, e.Name, "ignored")
		in.logger.Debug("ignoring event", slog.String("event", e.Name))
		return nil
	}
	if err != nil {
		in.metrics.Event(ctx, string(kind), "malformed")
		return err
	}

	var applied bool
	switch kind {
	case KindSubmitted:
		applied = in.store.InsertIfAbsent(j.ServiceSlug, job.StatusPending, j)
	case KindUpdated:
		applied = in.store.ApplyUpdate(j.ServiceSlug, j)
	}

	outcome := "applied"
	if !applied {
		outcome = "ignored"
	}
	in.metrics.Event(ctx, string(kind), outcome)
	in.logger.Debug("event "+outcome,
		slog.String("event", string(kind)),
		slog.String("service", j.ServiceSlug),
		slog.String("job_id", j.ID),
	)
	return nil
}

// Run applies events in arrival order until events is closed or ctx is
// done. Failures are logged and never stop the loop.
func (in *Ingestor) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := in.Apply(ctx, e); err != nil {
				in.logger.Warn("dropping event",
					slog.String("event", e.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
