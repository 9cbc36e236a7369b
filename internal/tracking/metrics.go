package tracking

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/banshee-data/safezone/internal/zonesync"
)

// MeterName is the instrumentation scope for tracking metrics.
const MeterName = "github.com/banshee-data/safezone/internal/tracking"

type metrics struct {
	cycles      metric.Int64Counter
	sends       metric.Float64Histogram
	transitions metric.Int64Counter
	bestEffort  metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	if m == nil {
		m = noop.NewMeterProvider().Meter(MeterName)
	}

	var (
		out metrics
		err error
	)
	if out.cycles, err = m.Int64Counter("safezone.tracking.cycles",
		metric.WithDescription("Tracking cycles by outcome."),
	); err != nil {
		return nil, err
	}
	if out.sends, err = m.Float64Histogram("safezone.zonesync.send.duration",
		metric.WithDescription("Location update round trip time."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if out.transitions, err = m.Int64Counter("safezone.tracking.transitions",
		metric.WithDescription("Zone transitions reported by the zone service."),
	); err != nil {
		return nil, err
	}
	if out.bestEffort, err = m.Int64Counter("safezone.tracking.best_effort_failures",
		metric.WithDescription("Zone status calls that failed and were ignored."),
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *metrics) cycleFinished(ctx context.Context, o Outcome) {
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
}

func (m *metrics) sendFinished(ctx context.Context, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sends.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) transition(ctx context.Context, ev zonesync.Event) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(ev.Type)),
		attribute.Bool("alert", ev.AlertTriggered),
	))
}

func (m *metrics) bestEffortFailed(ctx context.Context, op string) {
	m.bestEffort.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
