package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want eperrors.Kind
	}{
		{"database", eperrors.Database("append", stderrors.New("io fault")), eperrors.KindDatabase},
		{"concurrency", eperrors.Concurrency("append", "version conflict"), eperrors.KindConcurrency},
		{"circuit open", eperrors.CircuitOpen("append"), eperrors.KindCircuitOpen},
		{"wrapped", fmt.Errorf("outer: %w", eperrors.Serialization("decode", stderrors.New("bad json"))), eperrors.KindSerialization},
		{"plain error is handler", stderrors.New("boom"), eperrors.KindHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eperrors.KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryability(t *testing.T) {
	dbErr := eperrors.Database("read", stderrors.New("conn reset"))
	conflictErr := eperrors.Concurrency("append", "expected 2, got 1")
	serErr := eperrors.Serialization("encode", stderrors.New("cycle"))

	if !eperrors.RetryableForRead(dbErr) || !eperrors.RetryableForWrite(dbErr) {
		t.Error("database errors must retry on both reads and writes")
	}
	if !eperrors.RetryableForRead(conflictErr) {
		t.Error("concurrency errors must retry on reads")
	}
	if eperrors.RetryableForWrite(conflictErr) {
		t.Error("concurrency errors must not retry on writes")
	}
	if eperrors.RetryableForRead(serErr) || eperrors.RetryableForWrite(serErr) {
		t.Error("serialization errors must never retry")
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := eperrors.WithRetry(eperrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  2.0,
	}, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, eperrors.Database("op", stderrors.New("transient"))
		}
		return 42, nil
	})

	if result.Err != nil {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if result.Value != 42 || result.Attempts != 3 {
		t.Errorf("got value %d after %d attempts", result.Value, result.Attempts)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	result := eperrors.WithRetry(eperrors.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		BackoffFactor:  2.0,
	}, func() (int, error) {
		calls++
		return 0, eperrors.Concurrency("append", "conflict")
	})

	if calls != 1 {
		t.Errorf("expected a single attempt for a write conflict, got %d", calls)
	}
	if eperrors.KindOf(result.Err) != eperrors.KindConcurrency {
		t.Errorf("expected the original error to surface, got %v", result.Err)
	}
}

func TestWithRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := eperrors.WithRetryContext(ctx, eperrors.DefaultRetry,
		func(context.Context) (int, error) {
			t.Fatal("function must not run after cancellation")
			return 0, nil
		})

	if eperrors.KindOf(result.Err) != eperrors.KindCancelled {
		t.Errorf("expected cancelled error, got %v", result.Err)
	}
	if result.Attempts != 0 {
		t.Errorf("expected zero attempts, got %d", result.Attempts)
	}
}

func TestBackoffCapping(t *testing.T) {
	base := 100 * time.Millisecond
	if d := eperrors.Backoff(base, 2.0, 0, time.Hour); d != base {
		t.Errorf("retry 0 should use base delay, got %v", d)
	}
	if d := eperrors.Backoff(base, 2.0, 3, time.Hour); d != 800*time.Millisecond {
		t.Errorf("retry 3 should be 800ms, got %v", d)
	}
	if d := eperrors.Backoff(base, 2.0, 20, time.Second); d != time.Second {
		t.Errorf("backoff must cap at max, got %v", d)
	}
}
