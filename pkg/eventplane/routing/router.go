// Package routing forwards events across service boundaries.
//
// A router is configured with an event-type -> target-services map and a
// transport. Every routed event carries routing metadata including a
// monotone per-source sequence number; consumers detect gaps as loss.
// Events with no configured targets broadcast on the broadcast topic.
package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	"github.com/randalmurphal/eventplane/pkg/eventplane/dlq"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

// Priority classifies routed delivery urgency.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func classifyPriority(eventType string) Priority {
	switch {
	case strings.Contains(eventType, "critical") || strings.Contains(eventType, "error"):
		return PriorityCritical
	case strings.Contains(eventType, "urgent") || strings.Contains(eventType, "system"):
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Metadata describes how an event was routed.
type Metadata struct {
	SourceService  string   `json:"source_service"`
	TargetServices []string `json:"target_services"`
	RoutingKey     string   `json:"routing_key"`
	Priority       Priority `json:"priority"`
	DeliveryAttempts int    `json:"delivery_attempts"`
	SequenceNumber int64    `json:"sequence_number"`
	PartitionKey   string   `json:"partition_key,omitempty"`
}

// RoutedEvent is the wire record delivered to a target service.
type RoutedEvent struct {
	Event    *eventplane.Envelope `json:"event"`
	Routing  Metadata             `json:"routing_metadata"`
	RoutedAt time.Time            `json:"routed_at"`
}

// BroadcastEvent is the lightweight record published on the broadcast topic
// when no explicit route exists.
type BroadcastEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	SourceService string    `json:"source_service"`
	Event         *eventplane.Envelope `json:"event"`
	Timestamp     time.Time `json:"timestamp"`
}

// Transport publishes routed events. Implementations must preserve per-topic
// ordering and provide at-least-once semantics.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Config configures a router.
type Config struct {
	// Routes maps event types to target services.
	Routes map[string][]string

	// BroadcastTopic receives events with no configured route.
	BroadcastTopic string

	// TopicPrefix prefixes per-service delivery topics.
	TopicPrefix string

	// DedupWindow suppresses repeat deliveries of the same
	// (source_service, event_id) within the window.
	DedupWindow time.Duration

	// MaxDeliveryAttempts bounds delivery retries per target.
	MaxDeliveryAttempts int

	// RetryBackoff is the initial delay between delivery attempts.
	RetryBackoff time.Duration

	// Clock overrides the time source for tests.
	Clock func() time.Time

	// Logger for delivery warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BroadcastTopic:      "events.broadcast",
	TopicPrefix:         "events",
	DedupWindow:         5 * time.Minute,
	MaxDeliveryAttempts: 3,
	RetryBackoff:        100 * time.Millisecond,
}

// Statistics reports router counters for the operator surface.
type Statistics struct {
	TotalEventsRouted       uint64
	DuplicateEventsDetected uint64
	FailedDeliveries        uint64
	ActiveRoutes            int
	ActiveServices          int
	CurrentSequenceNumber   int64
}

// Router forwards events from one source service to its targets.
type Router struct {
	cfg       Config
	source    string
	transport Transport
	queue     *dlq.Queue // optional sink for terminal delivery failures
	logger    *slog.Logger

	seqMu sync.Mutex
	seq   int64

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	statsMu sync.Mutex
	stats   Statistics
}

// New creates a router for the given source service.
func New(sourceService string, transport Transport, queue *dlq.Queue, cfg Config) *Router {
	if cfg.BroadcastTopic == "" {
		cfg.BroadcastTopic = DefaultConfig.BroadcastTopic
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultConfig.TopicPrefix
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig.DedupWindow
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = DefaultConfig.MaxDeliveryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig.RetryBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		source:    sourceService,
		transport: transport,
		queue:     queue,
		logger:    cfg.Logger,
		dedup:     make(map[string]time.Time),
	}
}

// Route forwards one event to its configured targets, or broadcasts when no
// route exists. Duplicate (source, event_id) pairs inside the dedup window
// are suppressed.
func (r *Router) Route(ctx context.Context, env *eventplane.Envelope) error {
	if r.isDuplicate(env.EventID) {
		r.statsMu.Lock()
		r.stats.DuplicateEventsDetected++
		r.statsMu.Unlock()
		return nil
	}

	targets := r.cfg.Routes[env.EventType]
	if len(targets) == 0 {
		return r.broadcast(ctx, env)
	}

	seq := r.nextSequence()
	routed := &RoutedEvent{
		Event: env,
		Routing: Metadata{
			SourceService:  r.source,
			TargetServices: targets,
			RoutingKey:     env.AggregateType + ":" + env.EventType,
			Priority:       classifyPriority(env.EventType),
			SequenceNumber: seq,
			PartitionKey:   env.AggregateID,
		},
		RoutedAt: r.cfg.Clock(),
	}
	data, err := json.Marshal(routed)
	if err != nil {
		return eperrors.Serialization("route: encode", err)
	}

	var firstErr error
	for _, target := range targets {
		if err := r.deliver(ctx, r.cfg.TopicPrefix+"."+target, data); err != nil {
			r.recordDeliveryFailure(ctx, env, target, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	r.statsMu.Lock()
	r.stats.TotalEventsRouted++
	r.statsMu.Unlock()
	return firstErr
}

// broadcast publishes the event on the broadcast topic.
func (r *Router) broadcast(ctx context.Context, env *eventplane.Envelope) error {
	b := BroadcastEvent{
		EventID:       env.EventID,
		EventType:     env.EventType,
		SourceService: r.source,
		Event:         env,
		Timestamp:     r.cfg.Clock(),
	}
	data, err := json.Marshal(b)
	if err != nil {
		return eperrors.Serialization("route: encode broadcast", err)
	}
	if err := r.deliver(ctx, r.cfg.BroadcastTopic, data); err != nil {
		r.recordDeliveryFailure(ctx, env, r.cfg.BroadcastTopic, err)
		return err
	}
	r.statsMu.Lock()
	r.stats.TotalEventsRouted++
	r.statsMu.Unlock()
	return nil
}

// deliver publishes with bounded retries.
func (r *Router) deliver(ctx context.Context, topic string, data []byte) error {
	result := eperrors.WithRetryContext(ctx, eperrors.RetryConfig{
		MaxAttempts:    r.cfg.MaxDeliveryAttempts,
		InitialBackoff: r.cfg.RetryBackoff,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		RetryableFunc:  func(error) bool { return true },
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.transport.Publish(ctx, topic, data)
	})
	return result.Err
}

// recordDeliveryFailure counts the failure and captures the event in the
// DLQ labeled as a routing failure.
func (r *Router) recordDeliveryFailure(ctx context.Context, env *eventplane.Envelope, target string, err error) {
	r.statsMu.Lock()
	r.stats.FailedDeliveries++
	r.statsMu.Unlock()

	r.logger.Error("cross-service delivery failed",
		slog.String("event_id", env.EventID),
		slog.String("target", target),
		slog.String("error", err.Error()))

	if r.queue == nil {
		return
	}
	dlqErr := r.queue.AddFailedEvent(ctx, env, err.Error(), map[string]any{
		"operation": "routing_delivery_failed",
		"target":    target,
		"source":    r.source,
	})
	if dlqErr != nil {
		r.logger.Error("failed to capture routing failure in dead letter queue",
			slog.String("event_id", env.EventID),
			slog.String("error", dlqErr.Error()))
	}
}

func (r *Router) nextSequence() int64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.seq++
	return r.seq
}

func (r *Router) isDuplicate(eventID string) bool {
	key := r.source + ":" + eventID
	now := r.cfg.Clock()

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()

	if seen, ok := r.dedup[key]; ok && now.Sub(seen) < r.cfg.DedupWindow {
		return true
	}
	r.dedup[key] = now

	// Opportunistic pruning keeps the cache bounded between sweeps.
	if len(r.dedup) > 10000 {
		cutoff := now.Add(-r.cfg.DedupWindow)
		for k, t := range r.dedup {
			if t.Before(cutoff) {
				delete(r.dedup, k)
			}
		}
	}
	return false
}

// Cleanup prunes expired dedup entries. Driven by the scheduler.
func (r *Router) Cleanup() {
	now := r.cfg.Clock()
	cutoff := now.Add(-r.cfg.DedupWindow)

	r.dedupMu.Lock()
	for k, t := range r.dedup {
		if t.Before(cutoff) {
			delete(r.dedup, k)
		}
	}
	r.dedupMu.Unlock()
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Statistics {
	services := make(map[string]bool)
	for _, targets := range r.cfg.Routes {
		for _, t := range targets {
			services[t] = true
		}
	}

	r.statsMu.Lock()
	stats := r.stats
	r.statsMu.Unlock()

	r.seqMu.Lock()
	stats.CurrentSequenceNumber = r.seq
	r.seqMu.Unlock()

	stats.ActiveRoutes = len(r.cfg.Routes)
	stats.ActiveServices = len(services)
	return stats
}
