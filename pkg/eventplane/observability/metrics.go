package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event-plane metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordAppend records one append with its outcome and latency.
	RecordAppend(ctx context.Context, success bool, duration time.Duration)

	// RecordDispatch records a dispatch with the number of events released
	// by the ordering pipeline.
	RecordDispatch(ctx context.Context, released int)

	// RecordDLQ records a dead-letter transition: added, retried, resolved,
	// permanently_failed, or poison.
	RecordDLQ(ctx context.Context, transition string)

	// RecordBreakerTransition records a circuit state change at a layer
	// (store or dlq).
	RecordBreakerTransition(ctx context.Context, layer, from, to string)

	// RecordOrderingDrop records buffered events dropped by the pipeline.
	RecordOrderingDrop(ctx context.Context, count int64)

	// RecordRouted records a routed delivery with its outcome.
	RecordRouted(ctx context.Context, target string, success bool)

	// RecordSagaTransition records a saga status change.
	RecordSagaTransition(ctx context.Context, status string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	appends        metric.Int64Counter
	appendLatency  metric.Float64Histogram
	dispatches     metric.Int64Counter
	released       metric.Int64Counter
	dlqTransitions metric.Int64Counter
	breakerChanges metric.Int64Counter
	orderingDrops  metric.Int64Counter
	routed         metric.Int64Counter
	sagaChanges    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventplane")

	appends, err := meter.Int64Counter("eventplane.store.appends",
		metric.WithDescription("Number of append operations"),
	)
	if err != nil {
		return nil, err
	}
	appendLatency, err := meter.Float64Histogram("eventplane.store.append_latency_ms",
		metric.WithDescription("Append latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	dispatches, err := meter.Int64Counter("eventplane.dispatch.total",
		metric.WithDescription("Number of dispatches"),
	)
	if err != nil {
		return nil, err
	}
	released, err := meter.Int64Counter("eventplane.dispatch.released",
		metric.WithDescription("Events released by the ordering pipeline"),
	)
	if err != nil {
		return nil, err
	}
	dlqTransitions, err := meter.Int64Counter("eventplane.dlq.transitions",
		metric.WithDescription("Dead letter entry transitions"),
	)
	if err != nil {
		return nil, err
	}
	breakerChanges, err := meter.Int64Counter("eventplane.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes, labeled by layer"),
	)
	if err != nil {
		return nil, err
	}
	orderingDrops, err := meter.Int64Counter("eventplane.ordering.dropped",
		metric.WithDescription("Buffered events dropped by the ordering pipeline"),
	)
	if err != nil {
		return nil, err
	}
	routed, err := meter.Int64Counter("eventplane.routing.deliveries",
		metric.WithDescription("Cross-service deliveries"),
	)
	if err != nil {
		return nil, err
	}
	sagaChanges, err := meter.Int64Counter("eventplane.saga.transitions",
		metric.WithDescription("Saga status transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		appends:        appends,
		appendLatency:  appendLatency,
		dispatches:     dispatches,
		released:       released,
		dlqTransitions: dlqTransitions,
		breakerChanges: breakerChanges,
		orderingDrops:  orderingDrops,
		routed:         routed,
		sagaChanges:    sagaChanges,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordAppend records an append.
func (m *otelMetrics) RecordAppend(ctx context.Context, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.Bool("success", success)}
	m.appends.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.appendLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordDispatch records a dispatch.
func (m *otelMetrics) RecordDispatch(ctx context.Context, released int) {
	m.dispatches.Add(ctx, 1)
	m.released.Add(ctx, int64(released))
}

// RecordDLQ records a dead-letter transition.
func (m *otelMetrics) RecordDLQ(ctx context.Context, transition string) {
	m.dlqTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", transition)))
}

// RecordBreakerTransition records a circuit state change.
func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, layer, from, to string) {
	m.breakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", layer),
		attribute.String("from", from),
		attribute.String("to", to)))
}

// RecordOrderingDrop records dropped buffered events.
func (m *otelMetrics) RecordOrderingDrop(ctx context.Context, count int64) {
	m.orderingDrops.Add(ctx, count)
}

// RecordRouted records a routed delivery.
func (m *otelMetrics) RecordRouted(ctx context.Context, target string, success bool) {
	m.routed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.Bool("success", success)))
}

// RecordSagaTransition records a saga status change.
func (m *otelMetrics) RecordSagaTransition(ctx context.Context, status string) {
	m.sagaChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status)))
}
