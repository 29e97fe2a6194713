package eventplane

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata carries the contextual fields attached to every envelope.
type Metadata struct {
	Source        string            `json:"source,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Tags          map[string]string `json:"tags,omitempty"`
	Custom        map[string]any    `json:"custom,omitempty"`
}

// Envelope is the canonical event record. Once appended to the store it is
// immutable - any modification creates a new event.
//
// AggregateVersion is monotone per aggregate, starting at 1 with no gaps.
// RecordedAt is assigned by the store and is the ordering authority for the
// global position; OccurredAt is the producer clock and may skew.
type Envelope struct {
	EventID          string          `json:"event_id"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	EventType        string          `json:"event_type"`
	AggregateVersion int64           `json:"aggregate_version"`
	EventData        json.RawMessage `json:"event_data"`
	Metadata         Metadata        `json:"metadata"`
	OccurredAt       time.Time       `json:"occurred_at"`
	RecordedAt       time.Time       `json:"recorded_at"`
	SchemaVersion    int32           `json:"schema_version"`
	CausationID      string          `json:"causation_id,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	Checksum         string          `json:"checksum,omitempty"`

	// GlobalPosition is assigned by the store at commit time. Zero until
	// the envelope has been durably appended.
	GlobalPosition int64 `json:"global_position,omitempty"`
}

// EnvelopeOption configures envelope creation.
type EnvelopeOption func(*envelopeConfig)

type envelopeConfig struct {
	eventID       string
	correlationID string
	causationID   string
	occurredAt    time.Time
	schemaVersion int32
	metadata      Metadata
	checksum      bool
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) EnvelopeOption {
	return func(cfg *envelopeConfig) {
		cfg.eventID = id
	}
}

// WithCorrelationID sets the correlation ID grouping related events.
func WithCorrelationID(id string) EnvelopeOption {
	return func(cfg *envelopeConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the event that caused this one.
func WithCausationID(id string) EnvelopeOption {
	return func(cfg *envelopeConfig) {
		cfg.causationID = id
	}
}

// WithOccurredAt sets a specific producer timestamp (default: time.Now).
func WithOccurredAt(t time.Time) EnvelopeOption {
	return func(cfg *envelopeConfig) {
		cfg.occurredAt = t
	}
}

// WithSchemaVersion sets the payload schema version.
func WithSchemaVersion(v int32) EnvelopeOption {
	return func(cfg *envelopeConfig) {
		cfg.schemaVersion = v
	}
}

// WithMetadata sets the envelope metadata, replacing any set by an earlier
// WithMetadata. Its CorrelationID and CausationID are always overwritten
// with the envelope's own IDs (from WithCorrelationID / WithCausationID, or
// their defaults).
func WithMetadata(meta Metadata) EnvelopeOption {
	return func(cfg *envelopeConfig) {
		cfg.metadata = meta
	}
}

// WithChecksum computes and attaches a content digest over the event data.
func WithChecksum() EnvelopeOption {
	return func(cfg *envelopeConfig) {
		cfg.checksum = true
	}
}

// NewEnvelope creates an envelope for the given aggregate and payload.
// The payload is serialized to JSON; a serialization failure is returned
// rather than deferred to append time.
func NewEnvelope(
	aggregateID string,
	aggregateType string,
	eventType string,
	aggregateVersion int64,
	payload any,
	opts ...EnvelopeOption,
) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	cfg := &envelopeConfig{
		eventID:       uuid.New().String(),
		occurredAt:    time.Now().UTC(),
		schemaVersion: 1,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// If no correlation ID, this event is the root of its chain.
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.eventID
	}

	meta := cfg.metadata
	meta.CorrelationID = cfg.correlationID
	meta.CausationID = cfg.causationID
	if meta.Timestamp.IsZero() {
		meta.Timestamp = cfg.occurredAt
	}

	env := &Envelope{
		EventID:          cfg.eventID,
		AggregateID:      aggregateID,
		AggregateType:    aggregateType,
		EventType:        eventType,
		AggregateVersion: aggregateVersion,
		EventData:        data,
		Metadata:         meta,
		OccurredAt:       cfg.occurredAt,
		SchemaVersion:    cfg.schemaVersion,
		CausationID:      cfg.causationID,
		CorrelationID:    cfg.correlationID,
	}
	if cfg.checksum {
		env.Checksum = ComputeChecksum(env.EventData)
	}
	return env, nil
}

// NewEnvelopeFromParent creates an envelope caused by a parent event.
// It inherits the correlation ID and sets the causation ID.
func NewEnvelopeFromParent(
	parent *Envelope,
	aggregateID string,
	aggregateType string,
	eventType string,
	aggregateVersion int64,
	payload any,
	opts ...EnvelopeOption,
) (*Envelope, error) {
	parentOpts := []EnvelopeOption{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.EventID),
	}
	return NewEnvelope(aggregateID, aggregateType, eventType, aggregateVersion,
		payload, append(parentOpts, opts...)...)
}

// ComputeChecksum returns the hex digest over the canonical event data.
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum recomputes the content digest and compares it to the stored
// one. Envelopes without a checksum always verify.
func (e *Envelope) VerifyChecksum() bool {
	if e.Checksum == "" {
		return true
	}
	return e.Checksum == ComputeChecksum(e.EventData)
}

// DataField extracts a top-level string field from the event data.
// Non-string values are rendered with fmt. Returns false when the payload is
// not an object or the field is absent.
func (e *Envelope) DataField(name string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.EventData, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return fmt.Sprintf("%v", v), true
}

// UnmarshalData decodes the event payload into out.
func (e *Envelope) UnmarshalData(out any) error {
	return json.Unmarshal(e.EventData, out)
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.EventData = append(json.RawMessage(nil), e.EventData...)
	if e.Metadata.Tags != nil {
		clone.Metadata.Tags = make(map[string]string, len(e.Metadata.Tags))
		for k, v := range e.Metadata.Tags {
			clone.Metadata.Tags[k] = v
		}
	}
	if e.Metadata.Custom != nil {
		clone.Metadata.Custom = make(map[string]any, len(e.Metadata.Custom))
		for k, v := range e.Metadata.Custom {
			clone.Metadata.Custom[k] = v
		}
	}
	return &clone
}

// Encode serializes the envelope to its wire format.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope from its wire format.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
