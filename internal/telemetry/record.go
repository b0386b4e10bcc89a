package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func (m *Metrics) CycleCompleted(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Add(ctx, 1)
	m.cycleDuration.Record(ctx, float64(d.Milliseconds()))
}

func (m *Metrics) Verified(ctx context.Context, confirmed, falsePositives int, retrospective bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("retrospective", retrospective))
	if confirmed > 0 {
		m.improvements.Add(ctx, int64(confirmed), attrs)
	}
	if falsePositives > 0 {
		m.falsePositives.Add(ctx, int64(falsePositives), attrs)
	}
}

func (m *Metrics) ErrorRecorded(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) PhaseTimeout(ctx context.Context, phase string) {
	if m == nil {
		return
	}
	m.phaseTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

func (m *Metrics) CapabilityInvoked(ctx context.Context, id, outcome string) {
	if m == nil {
		return
	}
	m.invocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", id),
		attribute.String("outcome", outcome),
	))
}
