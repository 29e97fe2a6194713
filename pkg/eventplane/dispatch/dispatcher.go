// Package dispatch is the event plane's front door. A dispatch durably
// appends the envelope through the resilient store, runs it through the
// ordering pipeline, and fans released events out to local subscribers and
// the cross-service router on worker goroutines.
//
// Publishers receive success once the event is durably appended and accepted
// by the ordering pipeline; delivery happens asynchronously. Handler
// failures are captured to the DLQ and never fail the dispatch.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	"github.com/randalmurphal/eventplane/pkg/eventplane/dlq"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
	"github.com/randalmurphal/eventplane/pkg/eventplane/observability"
	"github.com/randalmurphal/eventplane/pkg/eventplane/ordering"
	"github.com/randalmurphal/eventplane/pkg/eventplane/routing"
	"github.com/randalmurphal/eventplane/pkg/eventplane/store"
)

// Subscriber consumes delivered events.
type Subscriber interface {
	// OnEvent handles one delivered envelope.
	OnEvent(ctx context.Context, env *eventplane.Envelope) error

	// Name identifies the subscriber in logs and DLQ context.
	Name() string
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, env *eventplane.Envelope) error
}

// OnEvent implements Subscriber.
func (s SubscriberFunc) OnEvent(ctx context.Context, env *eventplane.Envelope) error {
	return s.Fn(ctx, env)
}

// Name implements Subscriber.
func (s SubscriberFunc) Name() string { return s.ID }

// Config configures the dispatcher.
type Config struct {
	// Workers is the number of delivery goroutines. Default: 4.
	Workers int

	// QueueSize is the delivery queue capacity. Default: 256.
	QueueSize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to NoopMetrics.
	Metrics observability.MetricsRecorder

	// Spans defaults to NoopSpanManager.
	Spans observability.SpanManager
}

// Dispatcher is the single entry point for publishing events.
type Dispatcher struct {
	store    store.EventStore
	pipeline *ordering.Processor
	router   *routing.Router // optional
	queue    *dlq.Queue      // optional
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager

	mu         sync.RWMutex
	byType     map[string][]Subscriber
	byAggType  map[string][]Subscriber
	wildcards  []Subscriber

	work   chan *ordering.OrderedEvent
	wg     sync.WaitGroup
	cancel context.CancelFunc
	closed atomic.Bool
}

// New creates a dispatcher and starts its delivery workers. The router and
// queue may be nil.
func New(
	eventStore store.EventStore,
	pipeline *ordering.Processor,
	router *routing.Router,
	queue *dlq.Queue,
	cfg Config,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:     eventStore,
		pipeline:  pipeline,
		router:    router,
		queue:     queue,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		spans:     cfg.Spans,
		byType:    make(map[string][]Subscriber),
		byAggType: make(map[string][]Subscriber),
		work:      make(chan *ordering.OrderedEvent, cfg.QueueSize),
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return d
}

// Subscribe registers a subscriber for an event-type pattern: an exact type,
// a prefix pattern like "user.*", or "*" for all events.
func (d *Dispatcher) Subscribe(pattern string, sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pattern == "*" {
		d.wildcards = append(d.wildcards, sub)
		return
	}
	d.byType[pattern] = append(d.byType[pattern], sub)
}

// SubscribeAggregate registers a subscriber for every event of an aggregate
// type.
func (d *Dispatcher) SubscribeAggregate(aggregateType string, sub Subscriber) {
	d.mu.Lock()
	d.byAggType[aggregateType] = append(d.byAggType[aggregateType], sub)
	d.mu.Unlock()
}

// Dispatch appends the envelope and feeds it to the ordering pipeline.
// Returns once the event is durable and accepted; released events deliver on
// worker goroutines.
func (d *Dispatcher) Dispatch(ctx context.Context, env *eventplane.Envelope) error {
	if d.closed.Load() {
		return eperrors.New(eperrors.KindHandler, "dispatch", "dispatcher is closed")
	}

	ctx, span := d.spans.StartDispatchSpan(ctx, env.EventID, env.EventType)
	done := observability.TimedOperation()

	err := d.store.AppendEvent(ctx, env)
	d.metrics.RecordAppend(ctx, err == nil, 0)
	if err != nil {
		// The resilient store has already captured the event in the DLQ
		// where that applies; surface the original error.
		d.spans.EndSpanWithError(span, err)
		return err
	}
	observability.LogAppend(d.logger, env.EventID, env.EventType, env.GlobalPosition, done())

	released, err := d.pipeline.ProcessEvent(env)
	if err != nil {
		d.spans.EndSpanWithError(span, err)
		return err
	}

	for _, ordered := range released {
		select {
		case d.work <- ordered:
		case <-ctx.Done():
			d.spans.EndSpanWithError(span, ctx.Err())
			return eperrors.Cancelled("dispatch", ctx.Err())
		}
	}

	d.metrics.RecordDispatch(ctx, len(released))
	observability.LogDispatch(d.logger, env.EventID, len(released), 0)
	d.spans.EndSpanWithError(span, nil)
	return nil
}

// worker delivers released events until the dispatcher closes.
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for ordered := range d.work {
		d.deliver(ctx, ordered.Event)
	}
}

// deliver fans one envelope out to matching local subscribers and the
// router. Subscriber failures are captured, never propagated.
func (d *Dispatcher) deliver(ctx context.Context, env *eventplane.Envelope) {
	for _, sub := range d.matchSubscribers(env) {
		if err := sub.OnEvent(ctx, env); err != nil {
			observability.LogHandlerError(d.logger, env.EventID, sub.Name(), err)
			d.captureHandlerFailure(ctx, env, sub.Name(), err)
		}
	}

	if d.router != nil {
		if err := d.router.Route(ctx, env); err != nil {
			// The router has already captured terminal delivery failures.
			d.logger.Warn("cross-service routing failed",
				slog.String("event_id", env.EventID),
				slog.String("error", err.Error()))
		}
	}
}

// matchSubscribers snapshots the subscribers matching an envelope.
func (d *Dispatcher) matchSubscribers(env *eventplane.Envelope) []Subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var subs []Subscriber
	subs = append(subs, d.byType[env.EventType]...)
	for pattern, patternSubs := range d.byType {
		if strings.HasSuffix(pattern, ".*") &&
			strings.HasPrefix(env.EventType, pattern[:len(pattern)-1]) {
			subs = append(subs, patternSubs...)
		}
	}
	subs = append(subs, d.byAggType[env.AggregateType]...)
	subs = append(subs, d.wildcards...)
	return subs
}

// captureHandlerFailure forwards a subscriber failure to the DLQ with a
// context blob identifying the handler.
func (d *Dispatcher) captureHandlerFailure(ctx context.Context, env *eventplane.Envelope, handler string, err error) {
	if d.queue == nil {
		return
	}
	dlqErr := d.queue.AddFailedEvent(ctx, env, err.Error(), map[string]any{
		"operation": "subscriber_delivery",
		"handler":   handler,
	})
	if dlqErr != nil {
		d.logger.Error("failed to capture handler failure in dead letter queue",
			slog.String("event_id", env.EventID),
			slog.String("handler", handler),
			slog.String("error", dlqErr.Error()))
	}
	d.metrics.RecordDLQ(ctx, "added")
}

// Close flushes the ordering pipeline, drains the delivery queue, and stops
// the workers.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}

	// Drain everything the pipeline still holds, in sequence order.
	for _, ordered := range d.pipeline.FlushAll() {
		d.work <- ordered
	}
	close(d.work)
	d.wg.Wait()
	d.cancel()
}
