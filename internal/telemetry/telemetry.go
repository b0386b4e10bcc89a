// Package telemetry wires OpenTelemetry metrics for the runner.
//
// Telemetry is disabled by default. When disabled a no-op meter provider is
// installed and every instrument call is free.
//
//	telemetry.enabled: true   enable metrics
//	telemetry.stdout:  true   print metrics to stdout periodically
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/chr1sbest/marathon"

// Config selects exporters.
type Config struct {
	Enabled  bool
	Stdout   bool
	Interval time.Duration
}

// Init installs the global meter provider and returns its shutdown func.
func Init(ctx context.Context, cfg Config, serviceName, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)),
		))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Meter returns a meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}

// Metrics holds the runner's instruments.
type Metrics struct {
	cycles         metric.Int64Counter
	cycleDuration  metric.Float64Histogram
	improvements   metric.Int64Counter
	falsePositives metric.Int64Counter
	errors         metric.Int64Counter
	phaseTimeouts  metric.Int64Counter
	invocations    metric.Int64Counter
}

// NewMetrics creates the instruments on m.
func NewMetrics(m metric.Meter) (*Metrics, error) {
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	met := &Metrics{
		cycles:         counter("marathon.cycles", "Cycles completed"),
		improvements:   counter("marathon.improvements.confirmed", "Improvements that passed verification"),
		falsePositives: counter("marathon.improvements.false_positive", "Claims rejected by verification"),
		errors:         counter("marathon.errors", "Recoverable errors recorded"),
		phaseTimeouts:  counter("marathon.phase.timeouts", "Phases that hit their timeout"),
		invocations:    counter("marathon.capability.invocations", "Capability invocations by outcome"),
	}
	h, err := m.Float64Histogram("marathon.cycle.duration",
		metric.WithDescription("Cycle duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs = append(errs, err)
	met.cycleDuration = h
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("telemetry: instruments: %w", err)
	}
	return met, nil
}
