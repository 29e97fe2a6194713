package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

// MemoryStore is an in-memory EventStore. Suitable for testing and
// single-instance deployments without durability requirements.
type MemoryStore struct {
	mu        sync.RWMutex
	log       []*eventplane.Envelope            // global order
	byAgg     map[string][]*eventplane.Envelope // aggregate id -> version order
	snapshots map[string][]*Snapshot            // aggregate id -> version order
	position  int64
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAgg:     make(map[string][]*eventplane.Envelope),
		snapshots: make(map[string][]*Snapshot),
	}
}

// AppendEvent implements EventStore.
func (s *MemoryStore) AppendEvent(ctx context.Context, env *eventplane.Envelope) error {
	return s.AppendEvents(ctx, []*eventplane.Envelope{env})
}

// AppendEvents implements EventStore.
func (s *MemoryStore) AppendEvents(ctx context.Context, events []*eventplane.Envelope) error {
	if len(events) == 0 {
		return nil
	}
	if err := validateBatch(events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := make(map[string]int64)
	for _, env := range events {
		if _, ok := first[env.AggregateID]; !ok {
			first[env.AggregateID] = env.AggregateVersion
		}
	}
	for aggregateID, version := range first {
		current := int64(len(s.byAgg[aggregateID]))
		if version != current+1 {
			return eperrors.Concurrency("append",
				fmt.Sprintf("aggregate %s: expected version %d, got %d", aggregateID, current+1, version))
		}
	}

	now := time.Now().UTC()
	for _, env := range events {
		s.position++
		env.GlobalPosition = s.position
		env.RecordedAt = now
		stored := env.Clone()
		s.log = append(s.log, stored)
		s.byAgg[env.AggregateID] = append(s.byAgg[env.AggregateID], stored)
	}
	return nil
}

// GetEvents implements EventStore.
func (s *MemoryStore) GetEvents(_ context.Context, aggregateID string) ([]*eventplane.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.byAgg[aggregateID]), nil
}

// GetEventsFromVersion implements EventStore.
func (s *MemoryStore) GetEventsFromVersion(_ context.Context, aggregateID string, from int64) ([]*eventplane.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*eventplane.Envelope
	for _, env := range s.byAgg[aggregateID] {
		if env.AggregateVersion >= from {
			out = append(out, env.Clone())
		}
	}
	return out, nil
}

// GetEventsForAggregates implements EventStore.
func (s *MemoryStore) GetEventsForAggregates(_ context.Context, aggregateIDs []string) ([]*eventplane.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := make([]string, len(aggregateIDs))
	copy(sorted, aggregateIDs)
	sort.Strings(sorted)

	var out []*eventplane.Envelope
	for _, id := range sorted {
		out = append(out, cloneAll(s.byAgg[id])...)
	}
	return out, nil
}

// GetEventsByType implements EventStore.
func (s *MemoryStore) GetEventsByType(_ context.Context, eventType string, from, to *time.Time, limit int) ([]*eventplane.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*eventplane.Envelope
	for _, env := range s.log {
		if env.EventType != eventType {
			continue
		}
		if from != nil && env.OccurredAt.Before(*from) {
			continue
		}
		if to != nil && env.OccurredAt.After(*to) {
			continue
		}
		out = append(out, env.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetEventsByCorrelationID implements EventStore.
func (s *MemoryStore) GetEventsByCorrelationID(_ context.Context, correlationID string) ([]*eventplane.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*eventplane.Envelope
	for _, env := range s.log {
		id := env.CorrelationID
		if id == "" {
			id = env.Metadata.CorrelationID
		}
		if id == correlationID {
			out = append(out, env.Clone())
		}
	}
	return out, nil
}

// GetEventsFromPosition implements EventStore.
func (s *MemoryStore) GetEventsFromPosition(_ context.Context, pos int64, limit int) ([]*eventplane.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*eventplane.Envelope
	for _, env := range s.log {
		if env.GlobalPosition <= pos {
			continue
		}
		out = append(out, env.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetCurrentPosition implements EventStore.
func (s *MemoryStore) GetCurrentPosition(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position, nil
}

// ReplayEvents implements EventStore.
func (s *MemoryStore) ReplayEvents(ctx context.Context, fromPos int64, eventTypes []string, batchSize int, fn ReplayFunc) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	typeFilter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeFilter[t] = true
	}

	pos := fromPos
	for {
		if err := ctx.Err(); err != nil {
			return eperrors.Cancelled("replay", err)
		}
		batch, err := s.GetEventsFromPosition(ctx, pos, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		pos = batch[len(batch)-1].GlobalPosition

		if len(typeFilter) > 0 {
			filtered := batch[:0]
			for _, env := range batch {
				if typeFilter[env.EventType] {
					filtered = append(filtered, env)
				}
			}
			batch = filtered
		}
		if len(batch) == 0 {
			continue
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}

// SaveSnapshot implements EventStore.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *snap
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now().UTC()
	}
	snaps := s.snapshots[snap.AggregateID]
	for i, existing := range snaps {
		if existing.AggregateVersion == snap.AggregateVersion {
			snaps[i] = &stored
			return nil
		}
	}
	snaps = append(snaps, &stored)
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].AggregateVersion < snaps[j].AggregateVersion
	})
	s.snapshots[snap.AggregateID] = snaps
	return nil
}

// GetSnapshot implements EventStore.
func (s *MemoryStore) GetSnapshot(_ context.Context, aggregateID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[aggregateID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := *snaps[len(snaps)-1]
	return &latest, nil
}

// CleanupOldSnapshots implements EventStore.
func (s *MemoryStore) CleanupOldSnapshots(_ context.Context, keepLatest int) (int, error) {
	if keepLatest < 1 {
		keepLatest = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, snaps := range s.snapshots {
		if len(snaps) > keepLatest {
			removed += len(snaps) - keepLatest
			s.snapshots[id] = snaps[len(snaps)-keepLatest:]
		}
	}
	return removed, nil
}

// AggregateExists implements EventStore.
func (s *MemoryStore) AggregateExists(_ context.Context, aggregateID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byAgg[aggregateID]) > 0, nil
}

// GetAggregateVersion implements EventStore.
func (s *MemoryStore) GetAggregateVersion(_ context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byAgg[aggregateID])), nil
}

// GetAggregateIDsByType implements EventStore.
func (s *MemoryStore) GetAggregateIDsByType(_ context.Context, aggregateType string, offset, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, events := range s.byAgg {
		if len(events) > 0 && events[0].AggregateType == aggregateType {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

// OptimizeStorage implements EventStore. It is a no-op in memory.
func (s *MemoryStore) OptimizeStorage(context.Context) error { return nil }

func cloneAll(events []*eventplane.Envelope) []*eventplane.Envelope {
	out := make([]*eventplane.Envelope, len(events))
	for i, env := range events {
		out[i] = env.Clone()
	}
	return out
}

// Compile-time check that MemoryStore implements EventStore.
var _ EventStore = (*MemoryStore)(nil)
