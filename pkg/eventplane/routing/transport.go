package routing

import (
	"context"
	"sync"

	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

// TopicHandler consumes raw payloads published on a topic.
type TopicHandler func(topic string, data []byte)

// InProcTransport is an in-process Transport for tests and single-node
// deployments. Per-topic ordering follows publish order; delivery is
// synchronous.
type InProcTransport struct {
	mu       sync.RWMutex
	handlers map[string][]TopicHandler
	closed   bool
}

// NewInProcTransport creates an in-process transport.
func NewInProcTransport() *InProcTransport {
	return &InProcTransport{handlers: make(map[string][]TopicHandler)}
}

// Subscribe registers a handler for a topic.
func (t *InProcTransport) Subscribe(topic string, fn TopicHandler) {
	t.mu.Lock()
	t.handlers[topic] = append(t.handlers[topic], fn)
	t.mu.Unlock()
}

// Publish implements Transport.
func (t *InProcTransport) Publish(_ context.Context, topic string, data []byte) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return eperrors.New(eperrors.KindHandler, "transport.publish", "transport is closed")
	}
	handlers := append([]TopicHandler(nil), t.handlers[topic]...)
	t.mu.RUnlock()

	for _, fn := range handlers {
		fn(topic, data)
	}
	return nil
}

// Close stops accepting publishes.
func (t *InProcTransport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Compile-time check that InProcTransport implements Transport.
var _ Transport = (*InProcTransport)(nil)
