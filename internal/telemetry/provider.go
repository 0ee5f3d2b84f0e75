package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider is an in-process MeterProvider whose readings are pulled on
// demand, e.g. by the /metrics route.
type Provider struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	metrics  *Metrics
}

func NewProvider() *Provider {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Provider{
		reader:   reader,
		provider: mp,
		metrics:  NewWithMeter(mp.Meter(meterName)),
	}
}

// Install makes p the global MeterProvider.
func (p *Provider) Install() {
	otel.SetMeterProvider(p.provider)
}

// Metrics returns the instruments recording into p.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

// Point is one collected data point. Counters carry their total in Value;
// histograms carry the sum of observations in Value and their number in
// Count.
type Point struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// Collect reads every instrument, ordered by name.
func (p *Provider) Collect(ctx context.Context) ([]Point, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	out := []Point{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: float64(dp.Value)})
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, Point{Name: m.Name, Attributes: attrMap(dp.Attributes), Value: dp.Sum, Count: dp.Count})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func attrMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	out := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
