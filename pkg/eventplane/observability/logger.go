// Package observability provides structured logging, metrics, and tracing
// for the event plane.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger. Returns a new logger with
// tenant_id, aggregate_id, and correlation_id fields.
func EnrichLogger(logger *slog.Logger, tenantID, aggregateID, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("tenant_id", tenantID),
		slog.String("aggregate_id", aggregateID),
		slog.String("correlation_id", correlationID),
	)
}

// LogAppend logs a durable append.
func LogAppend(logger *slog.Logger, eventID, eventType string, position int64, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event appended",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int64("global_position", position),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDispatch logs a dispatch completing fan-out.
func LogDispatch(logger *slog.Logger, eventID string, released, delivered int) {
	if logger == nil {
		return
	}
	logger.Debug("event dispatched",
		slog.String("event_id", eventID),
		slog.Int("released", released),
		slog.Int("delivered", delivered),
	)
}

// LogHandlerError logs a subscriber failure (captured, never fatal to the
// dispatch).
func LogHandlerError(logger *slog.Logger, eventID, handler string, err error) {
	if logger == nil {
		return
	}
	logger.Error("subscriber failed",
		slog.String("event_id", eventID),
		slog.String("handler", handler),
		slog.String("error", err.Error()),
	)
}

// LogBreakerTransition logs a circuit state change. The layer label tells
// the store breaker apart from the DLQ breaker.
func LogBreakerTransition(logger *slog.Logger, layer, from, to string) {
	if logger == nil {
		return
	}
	logger.Warn("circuit breaker state changed",
		slog.String("layer", layer),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogOrderingDrop logs buffered events being dropped; operators treat a
// nonzero drop count as health-critical.
func LogOrderingDrop(logger *slog.Logger, partitionKey string, dropped int) {
	if logger == nil {
		return
	}
	logger.Warn("ordering buffer dropped events",
		slog.String("partition_key", partitionKey),
		slog.Int("dropped", dropped),
	)
}

// TimedOperation measures the duration of an operation. Returns a function
// that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
