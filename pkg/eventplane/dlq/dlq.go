// Package dlq provides the dead-letter subsystem: persistence of failed
// events, backoff-scheduled retries, poison-message quarantine, and
// retention sweeping.
//
// The queue protects its own persistence with a dedicated circuit breaker so
// a failing DLQ backend fails fast instead of masking the outer failure.
// A rejected add never drops the event silently; it surfaces upstream as
// DLQUnavailable.
package dlq

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	"github.com/randalmurphal/eventplane/pkg/eventplane/breaker"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

// Status is the lifecycle state of a dead-letter entry.
type Status string

const (
	// StatusFailed means the entry awaits its first retry.
	StatusFailed Status = "failed"

	// StatusRetrying means at least one retry has run and failed.
	StatusRetrying Status = "retrying"

	// StatusResolved means a retry succeeded.
	StatusResolved Status = "resolved"

	// StatusMaxRetriesExceeded means the entry is permanently failed.
	StatusMaxRetriesExceeded Status = "max_retries_exceeded"

	// StatusPoison means the entry was quarantined without retries.
	StatusPoison Status = "poison"
)

// Entry is one failed event held by the queue.
type Entry struct {
	ID              string          `json:"id"`
	OriginalEventID string          `json:"original_event_id"`
	AggregateID     string          `json:"aggregate_id"`
	AggregateType   string          `json:"aggregate_type"`
	EventType       string          `json:"event_type"`
	EventData       json.RawMessage `json:"event_data"`
	ErrorMessage    string          `json:"error_message"`
	ErrorDetails    map[string]any  `json:"error_details,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	LastRetryAt     *time.Time      `json:"last_retry_at,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
}

// Config configures the dead-letter queue.
type Config struct {
	// MaxRetries before an entry is permanently failed.
	MaxRetries int

	// BaseDelay is the first retry delay; subsequent delays multiply by
	// BackoffMultiplier and cap at MaxDelay.
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// BatchSize bounds one retry-processing pass.
	BatchSize int

	// PoisonThreshold is the consecutive-failure count per
	// (aggregate_type, event_type, aggregate_id) beyond which an event is
	// quarantined without retries.
	PoisonThreshold int

	// PoisonWindow bounds how long failure counts are tracked.
	PoisonWindow time.Duration

	// KeepResolved and KeepFailed bound retention of terminal entries.
	KeepResolved time.Duration
	KeepFailed   time.Duration

	// MaxTotalEntries bounds the queue. When full, a retention sweep runs;
	// if still full, new failures are refused.
	MaxTotalEntries int

	// Breaker configures the queue's own circuit breaker.
	Breaker breaker.Config

	// Clock overrides the time source for tests.
	Clock func() time.Time

	// Logger for operational warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxRetries:        5,
	BaseDelay:         time.Minute,
	MaxDelay:          time.Hour,
	BackoffMultiplier: 2.0,
	BatchSize:         50,
	PoisonThreshold:   10,
	PoisonWindow:      24 * time.Hour,
	KeepResolved:      7 * 24 * time.Hour,
	KeepFailed:        30 * 24 * time.Hour,
	MaxTotalEntries:   100000,
}

// Statistics reports queue counters for the operator surface.
type Statistics struct {
	TotalAdded              uint64
	TotalRetried            uint64
	TotalResolved           uint64
	TotalPermanentlyFailed  uint64
	PoisonMessagesDetected  uint64
	BreakerOpens            uint64
	CurrentQueueSize        int
	TrackedPoisonCandidates int
}

// ReprocessFunc retries one entry. Returning nil resolves the entry.
type ReprocessFunc func(ctx context.Context, entry *Entry) error

// BatchResult summarizes one retry-processing pass.
type BatchResult struct {
	Processed int
	Succeeded int
	Failed    int
}

// retryItem is one position in the time-ordered retry index.
type retryItem struct {
	id string
	at time.Time
}

// retryHeap is a min-heap on NextRetryAt.
type retryHeap []retryItem

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)         { *h = append(*h, x.(retryItem)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type poisonRecord struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// Queue is the dead-letter queue. An optional persistence Store mirrors
// entries durably; the in-memory index remains the scheduling authority.
type Queue struct {
	cfg     Config
	brk     *breaker.Breaker
	store   Store // optional
	logger  *slog.Logger
	onPoison func(*Entry)

	mu      sync.Mutex
	entries map[string]*Entry
	retries retryHeap
	poison  map[string]*poisonRecord
	stats   Statistics
}

// Option configures the queue.
type Option func(*Queue)

// WithStore attaches a durable backend mirroring every entry mutation.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithOnPoison registers a callback invoked when an event is quarantined.
func WithOnPoison(fn func(*Entry)) Option {
	return func(q *Queue) { q.onPoison = fn }
}

// New creates a dead-letter queue.
func New(cfg Config, opts ...Option) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultConfig.BackoffMultiplier
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.PoisonThreshold <= 0 {
		cfg.PoisonThreshold = DefaultConfig.PoisonThreshold
	}
	if cfg.PoisonWindow <= 0 {
		cfg.PoisonWindow = DefaultConfig.PoisonWindow
	}
	if cfg.KeepResolved <= 0 {
		cfg.KeepResolved = DefaultConfig.KeepResolved
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = DefaultConfig.KeepFailed
	}
	if cfg.MaxTotalEntries <= 0 {
		cfg.MaxTotalEntries = DefaultConfig.MaxTotalEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	brkCfg := cfg.Breaker
	brkCfg.Clock = cfg.Clock
	q := &Queue{
		cfg:     cfg,
		logger:  cfg.Logger,
		entries: make(map[string]*Entry),
		poison:  make(map[string]*poisonRecord),
	}
	prev := brkCfg.OnStateChange
	brkCfg.OnStateChange = func(from, to breaker.State) {
		if to == breaker.Open {
			q.mu.Lock()
			q.stats.BreakerOpens++
			q.mu.Unlock()
		}
		if prev != nil {
			prev(from, to)
		}
	}
	q.brk = breaker.New(brkCfg)

	for _, opt := range opts {
		opt(q)
	}
	return q
}

func poisonKey(aggregateType, eventType, aggregateID string) string {
	return aggregateType + ":" + eventType + ":" + aggregateID
}

// AddFailedEvent persists a failed event. Consecutive failures of the same
// (aggregate_type, event_type, aggregate_id) beyond the poison threshold
// quarantine the event: it is stored permanently failed with no retry
// scheduled.
func (q *Queue) AddFailedEvent(ctx context.Context, env *eventplane.Envelope, errorMessage string, details map[string]any) error {
	if !q.brk.CanProceed() {
		q.logger.Warn("dead letter queue circuit breaker is open",
			slog.String("event_id", env.EventID))
		return eperrors.DLQUnavailable("dlq.add", "dead letter queue circuit breaker is open")
	}

	now := q.cfg.Clock()

	q.mu.Lock()
	if len(q.entries) >= q.cfg.MaxTotalEntries {
		q.sweepLocked(now)
		if len(q.entries) >= q.cfg.MaxTotalEntries {
			q.mu.Unlock()
			return eperrors.DLQUnavailable("dlq.add", "dead letter queue is full")
		}
	}

	key := poisonKey(env.AggregateType, env.EventType, env.AggregateID)
	rec, ok := q.poison[key]
	if !ok || now.Sub(rec.firstSeen) > q.cfg.PoisonWindow {
		rec = &poisonRecord{firstSeen: now}
		q.poison[key] = rec
	}
	rec.count++
	rec.lastSeen = now

	entry := &Entry{
		ID:              uuid.New().String(),
		OriginalEventID: env.EventID,
		AggregateID:     env.AggregateID,
		AggregateType:   env.AggregateType,
		EventType:       env.EventType,
		EventData:       append(json.RawMessage(nil), env.EventData...),
		ErrorMessage:    errorMessage,
		ErrorDetails:    details,
		MaxRetries:      q.cfg.MaxRetries,
		CreatedAt:       now,
	}

	isPoison := rec.count > q.cfg.PoisonThreshold
	if isPoison {
		entry.Status = StatusPoison
		entry.RetryCount = rec.count
		entry.MaxRetries = 0
		entry.ErrorMessage = fmt.Sprintf("poison message (failures: %d): %s", rec.count, errorMessage)
		q.stats.PoisonMessagesDetected++
		q.stats.TotalPermanentlyFailed++
	} else {
		entry.Status = StatusFailed
		next := now.Add(eperrors.Backoff(q.cfg.BaseDelay, q.cfg.BackoffMultiplier, 0, q.cfg.MaxDelay))
		entry.NextRetryAt = &next
		heap.Push(&q.retries, retryItem{id: entry.ID, at: next})
	}

	q.entries[entry.ID] = entry
	q.stats.TotalAdded++
	stored := *entry
	q.mu.Unlock()

	if err := q.persist(ctx, &stored); err != nil {
		q.brk.RecordFailure()
		q.mu.Lock()
		delete(q.entries, stored.ID)
		q.mu.Unlock()
		return err
	}
	q.brk.RecordSuccess()

	if isPoison {
		q.logger.Error("poison message detected",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
			slog.Int("failure_count", stored.RetryCount))
		if q.onPoison != nil {
			q.onPoison(&stored)
		}
	} else {
		q.logger.Warn("event added to dead letter queue",
			slog.String("event_id", env.EventID),
			slog.String("error", errorMessage))
	}
	return nil
}

// RetryCandidates returns up to limit entries whose next retry is due,
// ordered by retry time. Candidates stay in the queue until resolved or
// rescheduled.
func (q *Queue) RetryCandidates(_ context.Context, limit int) []*Entry {
	if limit <= 0 {
		limit = q.cfg.BatchSize
	}
	now := q.cfg.Clock()

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	var requeue []retryItem
	for len(out) < limit && q.retries.Len() > 0 {
		item := q.retries[0]
		if item.at.After(now) {
			break
		}
		heap.Pop(&q.retries)

		entry, ok := q.entries[item.id]
		if !ok || entry.NextRetryAt == nil || !entry.NextRetryAt.Equal(item.at) {
			// Stale index position: the entry moved or left the queue.
			continue
		}
		copied := *entry
		out = append(out, &copied)
		requeue = append(requeue, item)
	}
	// Candidates remain scheduled until the caller reports an outcome.
	for _, item := range requeue {
		heap.Push(&q.retries, item)
	}
	return out
}

// ProcessRetryBatch takes a batch of due candidates and hands each to fn.
// Success resolves the entry; failure reschedules with backoff or marks it
// permanently failed once retries are exhausted.
func (q *Queue) ProcessRetryBatch(ctx context.Context, fn ReprocessFunc) (BatchResult, error) {
	if !q.brk.CanProceed() {
		return BatchResult{}, eperrors.DLQUnavailable("dlq.process", "dead letter queue circuit breaker is open")
	}
	candidates := q.RetryCandidates(ctx, q.cfg.BatchSize)
	q.brk.RecordSuccess()

	var result BatchResult
	for _, entry := range candidates {
		if err := ctx.Err(); err != nil {
			return result, eperrors.Cancelled("dlq.process", err)
		}
		result.Processed++
		if err := fn(ctx, entry); err != nil {
			result.Failed++
			q.recordRetryFailure(ctx, entry.ID, err.Error())
		} else {
			result.Succeeded++
			q.MarkResolved(ctx, entry.ID)
		}
	}
	return result, nil
}

// MarkResolved marks an entry as successfully reprocessed. The success also
// clears the poison counter for its event pattern.
func (q *Queue) MarkResolved(ctx context.Context, id string) error {
	q.mu.Lock()
	entry, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return eperrors.EventNotFound(id)
	}
	entry.Status = StatusResolved
	entry.NextRetryAt = nil
	delete(q.poison, poisonKey(entry.AggregateType, entry.EventType, entry.AggregateID))
	q.stats.TotalResolved++
	stored := *entry
	q.mu.Unlock()

	return q.persist(ctx, &stored)
}

func (q *Queue) recordRetryFailure(ctx context.Context, id, errorMessage string) {
	now := q.cfg.Clock()

	q.mu.Lock()
	entry, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	entry.RetryCount++
	entry.LastRetryAt = &now
	entry.ErrorMessage = errorMessage
	q.stats.TotalRetried++

	if entry.RetryCount >= entry.MaxRetries {
		entry.Status = StatusMaxRetriesExceeded
		entry.NextRetryAt = nil
		q.stats.TotalPermanentlyFailed++
	} else {
		entry.Status = StatusRetrying
		next := now.Add(eperrors.Backoff(q.cfg.BaseDelay, q.cfg.BackoffMultiplier, entry.RetryCount, q.cfg.MaxDelay))
		entry.NextRetryAt = &next
		heap.Push(&q.retries, retryItem{id: entry.ID, at: next})
	}
	stored := *entry
	q.mu.Unlock()

	if err := q.persist(ctx, &stored); err != nil {
		q.logger.Warn("failed to persist dead letter entry update",
			slog.String("entry_id", id),
			slog.String("error", err.Error()))
	}
}

// RetryEntry immediately reprocesses one entry, regardless of its schedule.
// Part of the operator surface.
func (q *Queue) RetryEntry(ctx context.Context, id string, fn ReprocessFunc) error {
	q.mu.Lock()
	entry, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return eperrors.EventNotFound(id)
	}
	if entry.Status == StatusResolved {
		q.mu.Unlock()
		return nil
	}
	copied := *entry
	q.mu.Unlock()

	if err := fn(ctx, &copied); err != nil {
		q.recordRetryFailure(ctx, id, err.Error())
		return err
	}
	return q.MarkResolved(ctx, id)
}

// List returns entries, optionally filtered by status, newest first.
func (q *Queue) List(_ context.Context, status Status, limit int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, entry := range q.entries {
		if status != "" && entry.Status != status {
			continue
		}
		copied := *entry
		out = append(out, &copied)
	}
	sortEntriesByCreatedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PurgePoison removes quarantined entries and their trackers, returning the
// number removed. Part of the operator surface.
func (q *Queue) PurgePoison(ctx context.Context) int {
	q.mu.Lock()
	var removed []string
	for id, entry := range q.entries {
		if entry.Status == StatusPoison {
			delete(q.entries, id)
			delete(q.poison, poisonKey(entry.AggregateType, entry.EventType, entry.AggregateID))
			removed = append(removed, id)
		}
	}
	q.mu.Unlock()

	if q.store != nil {
		for _, id := range removed {
			if err := q.store.Delete(ctx, id); err != nil {
				q.logger.Warn("failed to delete purged entry",
					slog.String("entry_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
	return len(removed)
}

// Sweep applies the retention policy: terminal entries past their retention
// and poison trackers past the tracking window are removed. Driven by the
// scheduler.
func (q *Queue) Sweep(ctx context.Context) int {
	q.mu.Lock()
	removed := q.sweepLocked(q.cfg.Clock())
	q.mu.Unlock()

	if q.store != nil {
		for _, id := range removed {
			if err := q.store.Delete(ctx, id); err != nil {
				q.logger.Warn("failed to delete swept entry",
					slog.String("entry_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
	return len(removed)
}

func (q *Queue) sweepLocked(now time.Time) []string {
	var removed []string
	for id, entry := range q.entries {
		switch entry.Status {
		case StatusResolved:
			if now.Sub(entry.CreatedAt) > q.cfg.KeepResolved {
				delete(q.entries, id)
				removed = append(removed, id)
			}
		case StatusMaxRetriesExceeded, StatusPoison:
			if now.Sub(entry.CreatedAt) > q.cfg.KeepFailed {
				delete(q.entries, id)
				removed = append(removed, id)
			}
		}
	}
	for key, rec := range q.poison {
		if now.Sub(rec.firstSeen) > q.cfg.PoisonWindow {
			delete(q.poison, key)
		}
	}
	return removed
}

// Restore rebuilds the in-memory retry index from the durable store after a
// restart. Only non-terminal entries come back.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	entries, err := q.store.Load(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range entries {
		copied := *entry
		q.entries[entry.ID] = &copied
		if entry.NextRetryAt != nil {
			heap.Push(&q.retries, retryItem{id: entry.ID, at: *entry.NextRetryAt})
		}
	}
	return nil
}

// BreakerState exposes the queue's circuit state for the operator surface.
func (q *Queue) BreakerState() breaker.State { return q.brk.State() }

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.CurrentQueueSize = len(q.entries)
	stats.TrackedPoisonCandidates = len(q.poison)
	return stats
}

func (q *Queue) persist(ctx context.Context, entry *Entry) error {
	if q.store == nil {
		return nil
	}
	if err := q.store.Put(ctx, entry); err != nil {
		return eperrors.DLQUnavailable("dlq.persist", err.Error())
	}
	return nil
}

func sortEntriesByCreatedDesc(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
