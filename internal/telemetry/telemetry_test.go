package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, r *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))

	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.CycleCompleted(ctx, 2*time.Second)
	m.CycleCompleted(ctx, time.Second)
	m.Verified(ctx, 3, 1, false)
	m.Verified(ctx, 0, 2, true)
	m.ErrorRecorded(ctx, "cycle")
	m.PhaseTimeout(ctx, "analysis")
	m.CapabilityInvoked(ctx, "noop", "success")

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), sums["marathon.cycles"])
	assert.Equal(t, int64(3), sums["marathon.improvements.confirmed"])
	assert.Equal(t, int64(3), sums["marathon.improvements.false_positive"])
	assert.Equal(t, int64(1), sums["marathon.errors"])
	assert.Equal(t, int64(1), sums["marathon.phase.timeouts"])
	assert.Equal(t, int64(1), sums["marathon.capability.invocations"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CycleCompleted(context.Background(), time.Second)
		m.ErrorRecorded(context.Background(), "cycle")
	})
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, "marathon", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	_, err = NewMetrics(Meter())
	assert.NoError(t, err)
}
