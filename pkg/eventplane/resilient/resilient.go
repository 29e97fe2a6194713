// Package resilient wraps an event store with the resilience policies every
// append and read must pass through: a circuit breaker, a retry policy with
// exponential backoff and jitter, and a dead-letter sink for writes that
// exhaust their retries.
//
// Error mapping is explicit. Storage faults surface as database errors and
// retry; version conflicts are semantic on writes and surface immediately;
// reads never touch the DLQ.
package resilient

import (
	"context"
	"log/slog"
	"time"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	"github.com/randalmurphal/eventplane/pkg/eventplane/breaker"
	"github.com/randalmurphal/eventplane/pkg/eventplane/dlq"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
	"github.com/randalmurphal/eventplane/pkg/eventplane/store"
)

// Config configures the wrapper.
type Config struct {
	// Retry is applied to every operation; retryability is decided per
	// operation kind (reads retry version races, writes do not).
	Retry eperrors.RetryConfig

	// Breaker configures the store-layer circuit breaker.
	Breaker breaker.Config

	// Logger for retry and DLQ warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store wraps an inner EventStore with breaker, retry, and DLQ protection.
type Store struct {
	inner  store.EventStore
	brk    *breaker.Breaker
	queue  *dlq.Queue
	retry  eperrors.RetryConfig
	logger *slog.Logger
}

// New creates a resilient store around inner. The queue may be nil, in which
// case failed writes are only surfaced, not captured.
func New(inner store.EventStore, queue *dlq.Queue, cfg Config) *Store {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = eperrors.DefaultRetry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		inner:  inner,
		brk:    breaker.New(cfg.Breaker),
		queue:  queue,
		retry:  cfg.Retry,
		logger: cfg.Logger,
	}
}

// BreakerState exposes the store-layer circuit state for the operator
// surface.
func (s *Store) BreakerState() breaker.State { return s.brk.State() }

// execute runs one operation under the breaker and retry policy.
func execute[T any](
	ctx context.Context,
	s *Store,
	op string,
	retryable func(error) bool,
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T
	if !s.brk.CanProceed() {
		return zero, eperrors.CircuitOpen(op)
	}

	cfg := s.retry
	cfg.RetryableFunc = retryable
	result := eperrors.WithRetryContext(ctx, cfg, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil {
			// Only infrastructure faults count against the breaker;
			// semantic conflicts say nothing about backend health.
			if eperrors.KindOf(err) == eperrors.KindDatabase {
				s.brk.RecordFailure()
			}
			return zero, err
		}
		s.brk.RecordSuccess()
		return v, nil
	})
	if result.Err != nil && result.Attempts > 1 {
		s.logger.Warn("operation failed after retries",
			slog.String("operation", op),
			slog.Int("attempts", result.Attempts),
			slog.String("error", result.Err.Error()))
	}
	return result.Value, result.Err
}

type unit struct{}

func (s *Store) executeWrite(ctx context.Context, op string, events []*eventplane.Envelope, fn func(context.Context) error) error {
	_, err := execute(ctx, s, op, eperrors.RetryableForWrite, func(ctx context.Context) (unit, error) {
		return unit{}, fn(ctx)
	})
	if err == nil {
		return nil
	}

	// Version conflicts, breaker rejections and cancellations surface to the
	// caller so business logic can decide; everything else feeds the DLQ.
	switch eperrors.KindOf(err) {
	case eperrors.KindConcurrency, eperrors.KindCircuitOpen, eperrors.KindCancelled:
		return err
	}
	if s.queue != nil {
		for _, env := range events {
			dlqErr := s.queue.AddFailedEvent(ctx, env, err.Error(), map[string]any{
				"operation":    op,
				"aggregate_id": env.AggregateID,
				"event_type":   env.EventType,
				"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
			})
			if dlqErr != nil {
				s.logger.Error("failed to capture event in dead letter queue",
					slog.String("event_id", env.EventID),
					slog.String("dlq_error", dlqErr.Error()),
					slog.String("original_error", err.Error()))
			}
		}
	}
	return err
}

// AppendEvent implements store.EventStore.
func (s *Store) AppendEvent(ctx context.Context, env *eventplane.Envelope) error {
	return s.executeWrite(ctx, "append_event", []*eventplane.Envelope{env}, func(ctx context.Context) error {
		return s.inner.AppendEvent(ctx, env)
	})
}

// AppendEvents implements store.EventStore. A terminal batch failure sends
// every event of the batch to the DLQ.
func (s *Store) AppendEvents(ctx context.Context, events []*eventplane.Envelope) error {
	return s.executeWrite(ctx, "append_events", events, func(ctx context.Context) error {
		return s.inner.AppendEvents(ctx, events)
	})
}

// GetEvents implements store.EventStore.
func (s *Store) GetEvents(ctx context.Context, aggregateID string) ([]*eventplane.Envelope, error) {
	return execute(ctx, s, "get_events", eperrors.RetryableForRead, func(ctx context.Context) ([]*eventplane.Envelope, error) {
		return s.inner.GetEvents(ctx, aggregateID)
	})
}

// GetEventsFromVersion implements store.EventStore.
func (s *Store) GetEventsFromVersion(ctx context.Context, aggregateID string, from int64) ([]*eventplane.Envelope, error) {
	return execute(ctx, s, "get_events_from_version", eperrors.RetryableForRead, func(ctx context.Context) ([]*eventplane.Envelope, error) {
		return s.inner.GetEventsFromVersion(ctx, aggregateID, from)
	})
}

// GetEventsForAggregates implements store.EventStore.
func (s *Store) GetEventsForAggregates(ctx context.Context, aggregateIDs []string) ([]*eventplane.Envelope, error) {
	return execute(ctx, s, "get_events_for_aggregates", eperrors.RetryableForRead, func(ctx context.Context) ([]*eventplane.Envelope, error) {
		return s.inner.GetEventsForAggregates(ctx, aggregateIDs)
	})
}

// GetEventsByType implements store.EventStore.
func (s *Store) GetEventsByType(ctx context.Context, eventType string, from, to *time.Time, limit int) ([]*eventplane.Envelope, error) {
	return execute(ctx, s, "get_events_by_type", eperrors.RetryableForRead, func(ctx context.Context) ([]*eventplane.Envelope, error) {
		return s.inner.GetEventsByType(ctx, eventType, from, to, limit)
	})
}

// GetEventsByCorrelationID implements store.EventStore.
func (s *Store) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*eventplane.Envelope, error) {
	return execute(ctx, s, "get_events_by_correlation_id", eperrors.RetryableForRead, func(ctx context.Context) ([]*eventplane.Envelope, error) {
		return s.inner.GetEventsByCorrelationID(ctx, correlationID)
	})
}

// GetEventsFromPosition implements store.EventStore.
func (s *Store) GetEventsFromPosition(ctx context.Context, pos int64, limit int) ([]*eventplane.Envelope, error) {
	return execute(ctx, s, "get_events_from_position", eperrors.RetryableForRead, func(ctx context.Context) ([]*eventplane.Envelope, error) {
		return s.inner.GetEventsFromPosition(ctx, pos, limit)
	})
}

// GetCurrentPosition implements store.EventStore.
func (s *Store) GetCurrentPosition(ctx context.Context) (int64, error) {
	return execute(ctx, s, "get_current_position", eperrors.RetryableForRead, func(ctx context.Context) (int64, error) {
		return s.inner.GetCurrentPosition(ctx)
	})
}

// ReplayEvents implements store.EventStore. The replay itself is not
// retried; each page fetch goes through the inner store's policies.
func (s *Store) ReplayEvents(ctx context.Context, fromPos int64, eventTypes []string, batchSize int, fn store.ReplayFunc) error {
	if !s.brk.CanProceed() {
		return eperrors.CircuitOpen("replay_events")
	}
	err := s.inner.ReplayEvents(ctx, fromPos, eventTypes, batchSize, fn)
	if err != nil && eperrors.KindOf(err) == eperrors.KindDatabase {
		s.brk.RecordFailure()
		return err
	}
	s.brk.RecordSuccess()
	return err
}

// SaveSnapshot implements store.EventStore. Snapshots are derived state, so
// a terminal failure is surfaced but never dead-lettered.
func (s *Store) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	_, err := execute(ctx, s, "save_snapshot", eperrors.RetryableForWrite, func(ctx context.Context) (unit, error) {
		return unit{}, s.inner.SaveSnapshot(ctx, snap)
	})
	return err
}

// GetSnapshot implements store.EventStore.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (*store.Snapshot, error) {
	return execute(ctx, s, "get_snapshot", eperrors.RetryableForRead, func(ctx context.Context) (*store.Snapshot, error) {
		return s.inner.GetSnapshot(ctx, aggregateID)
	})
}

// CleanupOldSnapshots implements store.EventStore.
func (s *Store) CleanupOldSnapshots(ctx context.Context, keepLatest int) (int, error) {
	return execute(ctx, s, "cleanup_old_snapshots", eperrors.RetryableForWrite, func(ctx context.Context) (int, error) {
		return s.inner.CleanupOldSnapshots(ctx, keepLatest)
	})
}

// AggregateExists implements store.EventStore.
func (s *Store) AggregateExists(ctx context.Context, aggregateID string) (bool, error) {
	return execute(ctx, s, "aggregate_exists", eperrors.RetryableForRead, func(ctx context.Context) (bool, error) {
		return s.inner.AggregateExists(ctx, aggregateID)
	})
}

// GetAggregateVersion implements store.EventStore.
func (s *Store) GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	return execute(ctx, s, "get_aggregate_version", eperrors.RetryableForRead, func(ctx context.Context) (int64, error) {
		return s.inner.GetAggregateVersion(ctx, aggregateID)
	})
}

// GetAggregateIDsByType implements store.EventStore.
func (s *Store) GetAggregateIDsByType(ctx context.Context, aggregateType string, offset, limit int) ([]string, error) {
	return execute(ctx, s, "get_aggregate_ids_by_type", eperrors.RetryableForRead, func(ctx context.Context) ([]string, error) {
		return s.inner.GetAggregateIDsByType(ctx, aggregateType, offset, limit)
	})
}

// OptimizeStorage implements store.EventStore.
func (s *Store) OptimizeStorage(ctx context.Context) error {
	_, err := execute(ctx, s, "optimize_storage", eperrors.RetryableForWrite, func(ctx context.Context) (unit, error) {
		return unit{}, s.inner.OptimizeStorage(ctx)
	})
	return err
}

// Compile-time check that Store implements store.EventStore.
var _ store.EventStore = (*Store)(nil)
