package observability_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/randalmurphal/eventplane/pkg/eventplane/observability"
)

func TestEnrichLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	enriched := observability.EnrichLogger(logger, "t1", "agg-1", "corr-1")
	enriched.Info("hello")

	out := buf.String()
	for _, want := range []string{"tenant_id=t1", "aggregate_id=agg-1", "correlation_id=corr-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output, got %s", want, out)
		}
	}

	if observability.EnrichLogger(nil, "a", "b", "c") != nil {
		t.Error("nil logger must stay nil")
	}
}

func TestLogHelpersAreNilSafe(t *testing.T) {
	// None of these may panic with a nil logger.
	observability.LogAppend(nil, "e", "t", 1, 0.5)
	observability.LogDispatch(nil, "e", 1, 2)
	observability.LogHandlerError(nil, "e", "h", errors.New("x"))
	observability.LogBreakerTransition(nil, "store", "closed", "open")
	observability.LogOrderingDrop(nil, "p", 3)
}

func TestTimedOperation(t *testing.T) {
	done := observability.TimedOperation()
	time.Sleep(2 * time.Millisecond)
	if ms := done(); ms < 0 {
		t.Errorf("expected non-negative duration, got %v", ms)
	}
}

func TestOtelMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	recorder := observability.NewMetricsRecorder()
	ctx := context.Background()

	recorder.RecordAppend(ctx, true, 3*time.Millisecond)
	recorder.RecordDispatch(ctx, 2)
	recorder.RecordDLQ(ctx, "added")
	recorder.RecordBreakerTransition(ctx, "store", "closed", "open")
	recorder.RecordOrderingDrop(ctx, 1)
	recorder.RecordRouted(ctx, "profile", true)
	recorder.RecordSagaTransition(ctx, "completed")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	names := make(map[string]bool)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{
		"eventplane.store.appends",
		"eventplane.dispatch.total",
		"eventplane.dlq.transitions",
		"eventplane.breaker.transitions",
		"eventplane.routing.deliveries",
		"eventplane.saga.transitions",
	} {
		if !names[want] {
			t.Errorf("expected metric %s to be recorded, got %v", want, names)
		}
	}
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()

	var m observability.MetricsRecorder = observability.NoopMetrics{}
	m.RecordAppend(ctx, true, time.Millisecond)
	m.RecordDispatch(ctx, 1)

	var sm observability.SpanManager = observability.NoopSpanManager{}
	spanCtx, span := sm.StartDispatchSpan(ctx, "e", "t")
	if spanCtx != ctx {
		t.Error("noop span manager must return the context unchanged")
	}
	sm.EndSpanWithError(span, errors.New("ignored"))
	sm.AddSpanEvent(ctx, "noop")
}

func TestSpanManagerRecordsError(t *testing.T) {
	sm := observability.NewSpanManager()
	ctx, span := sm.StartDispatchSpan(context.Background(), "evt-1", "user.created")

	_, child := sm.StartAppendSpan(ctx, "agg-1")
	sm.EndSpanWithError(child, errors.New("append failed"))
	sm.EndSpanWithError(span, nil)
	sm.AddSpanEvent(ctx, "released")
}
