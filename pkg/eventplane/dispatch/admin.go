package dispatch

import (
	"context"

	"github.com/randalmurphal/eventplane/pkg/eventplane/breaker"
	"github.com/randalmurphal/eventplane/pkg/eventplane/dlq"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
	"github.com/randalmurphal/eventplane/pkg/eventplane/ordering"
	"github.com/randalmurphal/eventplane/pkg/eventplane/resilient"
	"github.com/randalmurphal/eventplane/pkg/eventplane/routing"
)

// Admin is the operator surface over the event plane: dead-letter
// inspection and repair, circuit state, and routing statistics.
type Admin struct {
	queue    *dlq.Queue
	rstore   *resilient.Store
	router   *routing.Router
	pipeline *ordering.Processor
}

// NewAdmin creates the operator surface. Any component may be nil; the
// corresponding operations then report not-configured errors or zero
// values.
func NewAdmin(queue *dlq.Queue, rstore *resilient.Store, router *routing.Router, pipeline *ordering.Processor) *Admin {
	return &Admin{queue: queue, rstore: rstore, router: router, pipeline: pipeline}
}

// ListDLQ returns dead-letter entries, optionally filtered by status.
func (a *Admin) ListDLQ(ctx context.Context, status dlq.Status, limit int) ([]*dlq.Entry, error) {
	if a.queue == nil {
		return nil, eperrors.Configuration("admin", "no dead letter queue configured")
	}
	return a.queue.List(ctx, status, limit), nil
}

// RetryDLQEntry reprocesses one entry immediately using fn.
func (a *Admin) RetryDLQEntry(ctx context.Context, id string, fn dlq.ReprocessFunc) error {
	if a.queue == nil {
		return eperrors.Configuration("admin", "no dead letter queue configured")
	}
	return a.queue.RetryEntry(ctx, id, fn)
}

// PurgePoison removes quarantined entries and their trackers.
func (a *Admin) PurgePoison(ctx context.Context) (int, error) {
	if a.queue == nil {
		return 0, eperrors.Configuration("admin", "no dead letter queue configured")
	}
	return a.queue.PurgePoison(ctx), nil
}

// CircuitState reports breaker states per layer so operators can tell the
// store breaker apart from the DLQ's.
func (a *Admin) CircuitState() map[string]breaker.State {
	states := make(map[string]breaker.State, 2)
	if a.rstore != nil {
		states["store"] = a.rstore.BreakerState()
	}
	if a.queue != nil {
		states["dlq"] = a.queue.BreakerState()
	}
	return states
}

// RoutingStats returns cross-service delivery statistics.
func (a *Admin) RoutingStats() routing.Statistics {
	if a.router == nil {
		return routing.Statistics{}
	}
	return a.router.Stats()
}

// OrderingStats returns ordering pipeline statistics; operators treat
// EventsDropped > 0 as health-critical.
func (a *Admin) OrderingStats() ordering.Statistics {
	if a.pipeline == nil {
		return ordering.Statistics{}
	}
	return a.pipeline.Stats()
}

// DLQStats returns dead-letter queue statistics.
func (a *Admin) DLQStats() dlq.Statistics {
	if a.queue == nil {
		return dlq.Statistics{}
	}
	return a.queue.Stats()
}
