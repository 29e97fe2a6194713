// Package store provides the durable append-only event store.
//
// The store is the exclusive owner of envelopes once appended: callers never
// mutate them. Appends are atomic per batch, assign strictly increasing
// global positions, and enforce gap-free aggregate versions starting at 1.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
)

// Snapshot captures aggregate state at a specific version so replays can
// start from the snapshot instead of version 1.
type Snapshot struct {
	AggregateID      string          `json:"aggregate_id"`
	AggregateVersion int64           `json:"aggregate_version"`
	State            json.RawMessage `json:"state"`
	RecordedAt       time.Time       `json:"recorded_at"`
}

// ReplayFunc receives one page of events during a replay. Returning an error
// aborts the replay.
type ReplayFunc func(batch []*eventplane.Envelope) error

// EventStore is the contract every event store backend satisfies.
// Implementations must be safe for concurrent use.
type EventStore interface {
	// AppendEvent durably appends a single envelope, assigning its global
	// position and validating the aggregate version.
	AppendEvent(ctx context.Context, env *eventplane.Envelope) error

	// AppendEvents appends a batch atomically: either all events commit or
	// none. Events for the same aggregate must form one contiguous version
	// range continuing from the stored version.
	AppendEvents(ctx context.Context, events []*eventplane.Envelope) error

	// GetEvents returns all events for an aggregate in strict version order.
	GetEvents(ctx context.Context, aggregateID string) ([]*eventplane.Envelope, error)

	// GetEventsFromVersion returns events with version >= from, in version order.
	GetEventsFromVersion(ctx context.Context, aggregateID string, from int64) ([]*eventplane.Envelope, error)

	// GetEventsForAggregates returns events for several aggregates, grouped
	// by aggregate and version-ordered within each.
	GetEventsForAggregates(ctx context.Context, aggregateIDs []string) ([]*eventplane.Envelope, error)

	// GetEventsByType returns events of a type within an optional time range,
	// in global order. A zero limit means no limit.
	GetEventsByType(ctx context.Context, eventType string, from, to *time.Time, limit int) ([]*eventplane.Envelope, error)

	// GetEventsByCorrelationID returns all events of a correlation chain in
	// global order.
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*eventplane.Envelope, error)

	// GetEventsFromPosition returns up to limit events with a global position
	// greater than pos, in global order.
	GetEventsFromPosition(ctx context.Context, pos int64, limit int) ([]*eventplane.Envelope, error)

	// GetCurrentPosition returns the highest assigned global position, or 0
	// when the store is empty.
	GetCurrentPosition(ctx context.Context) (int64, error)

	// ReplayEvents streams events from a position in batches, optionally
	// filtered by event type.
	ReplayEvents(ctx context.Context, fromPos int64, eventTypes []string, batchSize int, fn ReplayFunc) error

	// SaveSnapshot persists an aggregate snapshot.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// GetSnapshot returns the latest snapshot for an aggregate, or nil when
	// none exists.
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// CleanupOldSnapshots keeps the N latest snapshots per aggregate and
	// returns the number removed.
	CleanupOldSnapshots(ctx context.Context, keepLatest int) (int, error)

	// AggregateExists reports whether the aggregate has any events.
	AggregateExists(ctx context.Context, aggregateID string) (bool, error)

	// GetAggregateVersion returns the highest stored version for the
	// aggregate, or 0 when it has no events.
	GetAggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// GetAggregateIDsByType pages through aggregate IDs of a type.
	GetAggregateIDsByType(ctx context.Context, aggregateType string, offset, limit int) ([]string, error)

	// OptimizeStorage compacts and re-analyzes the backing storage.
	OptimizeStorage(ctx context.Context) error
}

// TenantScoper is implemented by backends that can scope every operation to
// a tenant. The tenant adapter uses it to bind a store to a tenant context.
type TenantScoper interface {
	Scoped(tenantID string) EventStore
}
