package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the event-plane tracer instance, using the global OTel tracer
// provider.
var tracer = otel.Tracer("eventplane")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartDispatchSpan starts a span for one dispatch.
	StartDispatchSpan(ctx context.Context, eventID, eventType string) (context.Context, trace.Span)

	// StartAppendSpan starts a span for a store append, a child of the
	// dispatch span when present.
	StartAppendSpan(ctx context.Context, aggregateID string) (context.Context, trace.Span)

	// StartSagaStepSpan starts a span for a saga step execution.
	StartSagaStepSpan(ctx context.Context, sagaID, operation string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartDispatchSpan starts a span for one dispatch.
func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, eventID, eventType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventplane.dispatch",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.type", eventType),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartAppendSpan starts a span for a store append.
func (m *otelSpanManager) StartAppendSpan(ctx context.Context, aggregateID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventplane.store.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartSagaStepSpan starts a span for a saga step execution.
func (m *otelSpanManager) StartSagaStepSpan(ctx context.Context, sagaID, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventplane.saga.step",
		trace.WithAttributes(
			attribute.String("saga.id", sagaID),
			attribute.String("saga.operation", operation),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
