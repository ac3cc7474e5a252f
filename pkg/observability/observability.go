// Package observability wires OpenTelemetry metrics for the arbitration
// pipeline: cycle throughput, dropped signals, breaker trips and sink
// failures. All recorders are nil-safe so callers can run without a
// configured provider.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// NewLogger builds the process-wide structured logger.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// NewMeterProvider builds an SDK meter provider tagged with the service
// identity and installs it globally. Callers own Shutdown.
func NewMeterProvider(serviceName, serviceVersion string, readers ...sdkmetric.Reader) (*sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	return provider, nil
}

// Metrics holds the pipeline's counters.
type Metrics struct {
	cycles         metric.Int64Counter
	droppedSignals metric.Int64Counter
	breakerTrips   metric.Int64Counter
	sinkFailures   metric.Int64Counter
}

// NewMetrics registers the counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.cycles, err = meter.Int64Counter("arbiter.cycles",
		metric.WithDescription("Completed orchestration cycles")); err != nil {
		return nil, fmt.Errorf("observability: cycles counter: %w", err)
	}
	if m.droppedSignals, err = meter.Int64Counter("arbiter.signals.dropped",
		metric.WithDescription("Signals dropped at the verification boundary")); err != nil {
		return nil, fmt.Errorf("observability: dropped counter: %w", err)
	}
	if m.breakerTrips, err = meter.Int64Counter("arbiter.breaker.trips",
		metric.WithDescription("Circuit breaker trips")); err != nil {
		return nil, fmt.Errorf("observability: trips counter: %w", err)
	}
	if m.sinkFailures, err = meter.Int64Counter("arbiter.sink.failures",
		metric.WithDescription("Audit sink write failures")); err != nil {
		return nil, fmt.Errorf("observability: sink counter: %w", err)
	}
	return m, nil
}

// RecordCycle counts one completed cycle.
func (m *Metrics) RecordCycle(ctx context.Context, systemic bool) {
	if m == nil {
		return
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.Bool("systemic_risk", systemic)))
}

// RecordDropped counts a dropped signal.
func (m *Metrics) RecordDropped(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.droppedSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

// RecordTrip counts a breaker trip.
func (m *Metrics) RecordTrip(ctx context.Context, breaker string) {
	if m == nil {
		return
	}
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker", breaker)))
}

// RecordSinkFailure counts a failed audit write.
func (m *Metrics) RecordSinkFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.sinkFailures.Add(ctx, 1)
}
