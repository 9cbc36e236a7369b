package tracking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/banshee-data/safezone/internal/zonesync"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumByAttr(t *testing.T, data metricdata.Aggregation, key string) map[string]int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.Emit()] += dp.Value
	}
	return out
}

func TestMetrics_Recorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	f := newFixture(t, Options{Meter: mp.Meter(MeterName)})
	f.zones.events = []zonesync.Event{{Type: zonesync.EventEnter, Zone: "home", AlertTriggered: true}}
	f.zones.resetErr = context.DeadlineExceeded

	require.NoError(t, f.ctrl.Start(context.Background()))
	f.sampler.setErr(context.Canceled)
	f.tick(t)
	f.ctrl.Stop(context.Background())

	data := collect(t, reader)

	cycles := sumByAttr(t, data["safezone.tracking.cycles"], "outcome")
	assert.Equal(t, map[string]int64{"sent": 1, "sample_failed": 1}, cycles)

	transitions := sumByAttr(t, data["safezone.tracking.transitions"], "type")
	assert.Equal(t, map[string]int64{"zone_enter": 1}, transitions)

	bestEffort := sumByAttr(t, data["safezone.tracking.best_effort_failures"], "op")
	assert.Equal(t, map[string]int64{"reset zone status": 1}, bestEffort)

	hist, ok := data["safezone.zonesync.send.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestNewMetrics_NilMeter(t *testing.T) {
	m, err := newMetrics(nil)
	require.NoError(t, err)
	m.cycleFinished(context.Background(), OutcomeSent)
	m.bestEffortFailed(context.Background(), "noop")
}
