package routing

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

// NATSTransport publishes routed events over NATS. NATS preserves per-subject
// publish order from a single connection, matching the transport contract.
type NATSTransport struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// ConnectNATS dials a NATS server and wraps the connection as a Transport.
// The connection reconnects indefinitely; in-flight publishes during a
// reconnect are buffered by the client.
func ConnectNATS(url string, logger *slog.Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, eperrors.Wrap(eperrors.KindConfiguration, "nats connect", err)
	}
	logger.Info("connected to NATS", slog.String("url", url))
	return &NATSTransport{conn: conn, logger: logger}, nil
}

// NewNATSTransport wraps an existing connection.
func NewNATSTransport(conn *nats.Conn, logger *slog.Logger) *NATSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSTransport{conn: conn, logger: logger}
}

// Publish implements Transport.
func (t *NATSTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return eperrors.Cancelled("nats publish", err)
	}
	if err := t.conn.Publish(topic, data); err != nil {
		return eperrors.Database("nats publish", err)
	}
	return nil
}

// Subscribe delivers raw payloads published on a subject. Used by consumers
// on the receiving side of a route.
func (t *NATSTransport) Subscribe(topic string, fn TopicHandler) (*nats.Subscription, error) {
	sub, err := t.conn.Subscribe(topic, func(msg *nats.Msg) {
		fn(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, eperrors.Wrap(eperrors.KindConfiguration, "nats subscribe", err)
	}
	return sub, nil
}

// Close drains the connection, flushing pending publishes before closing.
func (t *NATSTransport) Close() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
	}
}

// Compile-time check that NATSTransport implements Transport.
var _ Transport = (*NATSTransport)(nil)
