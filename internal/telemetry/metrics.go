// Package telemetry records sync-engine metrics. New records through the
// global OTel MeterProvider, which is a noop until one is installed;
// NewProvider owns an SDK provider whose readings the local API serves.
//
// Instruments:
//   - jobsync.fetch.count (Int64Counter): snapshot fetches, by service, status, result
//   - jobsync.fetch.duration (Float64Histogram): fetch latency in seconds
//   - jobsync.event.count (Int64Counter): push events, by kind and result
//     ("applied", "ignored" or "malformed")
//   - jobsync.transition.count (Int64Counter): take/complete calls, by action and result
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/servicedesk/jobsync"

type Metrics struct {
	fetches       metric.Int64Counter
	fetchDuration metric.Float64Histogram
	events        metric.Int64Counter
	transitions   metric.Int64Counter
}

func New() *Metrics {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter builds the instruments on the given meter. The OTel API
// returns noop instruments on error, so errors are ignored.
func NewWithMeter(meter metric.Meter) *Metrics {
	fetches, _ := meter.Int64Counter("jobsync.fetch.count",
		metric.WithDescription("Snapshot fetches"),
		metric.WithUnit("{fetch}"),
	)
	fetchDuration, _ := meter.Float64Histogram("jobsync.fetch.duration",
		metric.WithDescription("Snapshot fetch latency"),
		metric.WithUnit("s"),
	)
	events, _ := meter.Int64Counter("jobsync.event.count",
		metric.WithDescription("Push events received"),
		metric.WithUnit("{event}"),
	)
	transitions, _ := meter.Int64Counter("jobsync.transition.count",
		metric.WithDescription("Job take/complete calls"),
		metric.WithUnit("{call}"),
	)
	return &Metrics{
		fetches:       fetches,
		fetchDuration: fetchDuration,
		events:        events,
		transitions:   transitions,
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Fetch(ctx context.Context, service, status string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("status", status),
		attribute.String("result", result(err)),
	)
	m.fetches.Add(ctx, 1, attrs)
	m.fetchDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) Event(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", outcome),
	))
}

func (m *Metrics) Transition(ctx context.Context, action, service string, err error) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("service", service),
		attribute.String("result", result(err)),
	))
}
