package resilient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	"github.com/randalmurphal/eventplane/pkg/eventplane/breaker"
	"github.com/randalmurphal/eventplane/pkg/eventplane/dlq"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
	"github.com/randalmurphal/eventplane/pkg/eventplane/resilient"
	"github.com/randalmurphal/eventplane/pkg/eventplane/store"
)

// flakyStore fails the first N append calls with a database error.
type flakyStore struct {
	store.EventStore
	failuresLeft int
	failWith     error
	appendCalls  int
}

func (f *flakyStore) AppendEvent(ctx context.Context, env *eventplane.Envelope) error {
	f.appendCalls++
	if f.failuresLeft != 0 {
		if f.failuresLeft > 0 {
			f.failuresLeft--
		}
		return f.failWith
	}
	return f.EventStore.AppendEvent(ctx, env)
}

func testEnvelope(t *testing.T, aggregateID string, version int64) *eventplane.Envelope {
	t.Helper()
	env, err := eventplane.NewEnvelope(aggregateID, "test", "thing.happened", version, nil)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func fastRetry() eperrors.RetryConfig {
	return eperrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  1.0,
	}
}

func newDLQ() *dlq.Queue {
	return dlq.New(dlq.Config{
		MaxRetries:      3,
		BaseDelay:       time.Minute,
		PoisonThreshold: 100,
		MaxTotalEntries: 100,
		KeepResolved:    time.Hour,
		KeepFailed:      time.Hour,
	})
}

func TestWriteRetriesTransientDatabaseErrors(t *testing.T) {
	inner := &flakyStore{
		EventStore:   store.NewMemoryStore(),
		failuresLeft: 2,
		failWith:     eperrors.Database("append", errors.New("conn reset")),
	}
	rs := resilient.New(inner, newDLQ(), resilient.Config{Retry: fastRetry()})

	err := rs.AppendEvent(context.Background(), testEnvelope(t, "agg-1", 1))
	if err != nil {
		t.Fatalf("expected retried append to succeed, got %v", err)
	}
	if inner.appendCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.appendCalls)
	}
}

func TestWriteExhaustionFeedsDLQ(t *testing.T) {
	inner := &flakyStore{
		EventStore:   store.NewMemoryStore(),
		failuresLeft: -1, // always fail
		failWith:     eperrors.Database("append", errors.New("disk gone")),
	}
	queue := newDLQ()
	rs := resilient.New(inner, queue, resilient.Config{Retry: fastRetry()})

	env := testEnvelope(t, "agg-1", 1)
	err := rs.AppendEvent(context.Background(), env)
	if eperrors.KindOf(err) != eperrors.KindDatabase {
		t.Fatalf("expected original database error to surface, got %v", err)
	}

	entries := queue.List(context.Background(), dlq.StatusFailed, 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 DLQ entry, got %d", len(entries))
	}
	if entries[0].OriginalEventID != env.EventID {
		t.Error("DLQ entry does not reference the failed event")
	}
	if entries[0].ErrorDetails["operation"] != "append_event" {
		t.Errorf("expected operation context blob, got %+v", entries[0].ErrorDetails)
	}
}

func TestConcurrencyErrorNotRetriedNotDLQed(t *testing.T) {
	inner := store.NewMemoryStore()
	queue := newDLQ()
	rs := resilient.New(inner, queue, resilient.Config{Retry: fastRetry()})
	ctx := context.Background()

	if err := rs.AppendEvent(ctx, testEnvelope(t, "agg-1", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Version conflict surfaces immediately.
	err := rs.AppendEvent(ctx, testEnvelope(t, "agg-1", 1))
	if eperrors.KindOf(err) != eperrors.KindConcurrency {
		t.Fatalf("expected concurrency error, got %v", err)
	}
	if got := queue.Stats().TotalAdded; got != 0 {
		t.Errorf("version conflicts must not reach the DLQ, added %d", got)
	}
}

func TestCircuitOpensAndRejects(t *testing.T) {
	inner := &flakyStore{
		EventStore:   store.NewMemoryStore(),
		failuresLeft: -1,
		failWith:     eperrors.Database("append", errors.New("down")),
	}
	rs := resilient.New(inner, newDLQ(), resilient.Config{
		Retry: eperrors.RetryConfig{MaxAttempts: 1},
		Breaker: breaker.Config{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			OpenTimeout:      time.Hour,
			Window:           time.Hour,
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rs.AppendEvent(ctx, testEnvelope(t, "agg-1", 1))
	}
	if rs.BreakerState() != breaker.Open {
		t.Fatalf("expected open breaker after 3 failures, got %v", rs.BreakerState())
	}

	calls := inner.appendCalls
	err := rs.AppendEvent(ctx, testEnvelope(t, "agg-1", 1))
	if eperrors.KindOf(err) != eperrors.KindCircuitOpen {
		t.Errorf("expected CircuitOpen, got %v", err)
	}
	if inner.appendCalls != calls {
		t.Error("open breaker must not reach the inner store")
	}
}

func TestReadsNeverTouchDLQ(t *testing.T) {
	type readFailStore struct {
		store.EventStore
	}
	inner := store.NewMemoryStore()
	queue := newDLQ()
	rs := resilient.New(&readFailStore{EventStore: inner}, queue, resilient.Config{Retry: fastRetry()})

	// A read miss returns empty without DLQ traffic.
	events, err := rs.GetEvents(context.Background(), "missing")
	if err != nil || len(events) != 0 {
		t.Fatalf("unexpected read result: %v %v", events, err)
	}
	if queue.Stats().TotalAdded != 0 {
		t.Error("reads must never feed the DLQ")
	}
}

func TestCircuitRecoveryAfterOpenTimeout(t *testing.T) {
	// Scenario: three DatabaseErrors open the breaker; a call while open is
	// rejected; after the timeout a trial succeeds; two consecutive
	// successes close it.
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	inner := &flakyStore{
		EventStore:   store.NewMemoryStore(),
		failuresLeft: 3,
		failWith:     eperrors.Database("append", errors.New("down")),
	}
	rs := resilient.New(inner, nil, resilient.Config{
		Retry: eperrors.RetryConfig{MaxAttempts: 1},
		Breaker: breaker.Config{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			OpenTimeout:      time.Second,
			Window:           time.Hour,
			Clock:            func() time.Time { return clock() },
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rs.AppendEvent(ctx, testEnvelope(t, "agg-1", 1)); err == nil {
			t.Fatal("expected failure")
		}
	}
	if err := rs.AppendEvent(ctx, testEnvelope(t, "agg-1", 1)); eperrors.KindOf(err) != eperrors.KindCircuitOpen {
		t.Fatalf("expected CircuitOpen during open window, got %v", err)
	}

	now = now.Add(time.Second)
	if err := rs.AppendEvent(ctx, testEnvelope(t, "agg-1", 1)); err != nil {
		t.Fatalf("trial call should succeed, got %v", err)
	}
	if err := rs.AppendEvent(ctx, testEnvelope(t, "agg-1", 2)); err != nil {
		t.Fatalf("second trial should succeed, got %v", err)
	}
	if rs.BreakerState() != breaker.Closed {
		t.Errorf("expected closed breaker after recovery, got %v", rs.BreakerState())
	}
}
