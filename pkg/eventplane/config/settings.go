package config

import (
	"time"

	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
)

// DLQSettings configures the dead-letter queue.
type DLQSettings struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	MaxRetries        int
	BatchSize         int
	RetentionResolved time.Duration
	RetentionFailed   time.Duration
	MaxTotal          int
}

// OrderingSettings configures the ordering pipeline.
type OrderingSettings struct {
	BufferSize         int
	MaxOutOfOrderDelay time.Duration
	Strict             bool
}

// DedupSettings configures deduplication.
type DedupSettings struct {
	Strategy   string
	TimeWindow time.Duration
}

// CircuitSettings configures circuit breakers.
type CircuitSettings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	Window           time.Duration
}

// SagaSettings configures the saga orchestrator.
type SagaSettings struct {
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
}

// Settings is the full event-plane configuration with defaults applied.
type Settings struct {
	PoisonThreshold int
	DLQ             DLQSettings
	Ordering        OrderingSettings
	Dedup           DedupSettings
	Circuit         CircuitSettings
	Saga            SagaSettings
}

// validDedupStrategies are the accepted dedup.strategy values.
var validDedupStrategies = map[string]bool{
	"none":         true,
	"event_id":     true,
	"content_hash": true,
	"custom_key":   true,
	"time_window":  true,
}

// Load reads every enumerated key with its default.
func Load(c Config) (Settings, error) {
	s := Settings{
		PoisonThreshold: c.Int("poison_threshold", 10),
		DLQ: DLQSettings{
			BaseDelay:         c.Duration("dlq.base_delay", time.Minute),
			MaxDelay:          c.Duration("dlq.max_delay", time.Hour),
			BackoffMultiplier: c.Float("dlq.backoff_multiplier", 2.0),
			MaxRetries:        c.Int("dlq.max_retries", 5),
			BatchSize:         c.Int("dlq.batch_size", 50),
			RetentionResolved: time.Duration(c.Int("dlq.retention.resolved_days", 7)) * 24 * time.Hour,
			RetentionFailed:   time.Duration(c.Int("dlq.retention.failed_days", 30)) * 24 * time.Hour,
			MaxTotal:          c.Int("dlq.retention.max_total", 100000),
		},
		Ordering: OrderingSettings{
			BufferSize:         c.Int("ordering.buffer_size", 1000),
			MaxOutOfOrderDelay: c.Duration("ordering.max_out_of_order_delay", 5*time.Second),
			Strict:             c.Bool("ordering.strict", true),
		},
		Dedup: DedupSettings{
			Strategy:   c.String("dedup.strategy", "event_id"),
			TimeWindow: c.Duration("dedup.time_window", 5*time.Minute),
		},
		Circuit: CircuitSettings{
			FailureThreshold: c.Int("circuit.failure_threshold", 5),
			SuccessThreshold: c.Int("circuit.success_threshold", 2),
			OpenTimeout:      c.Duration("circuit.open_timeout", time.Minute),
			Window:           c.Duration("circuit.window", 5*time.Minute),
		},
		Saga: SagaSettings{
			DefaultTimeout: c.Duration("saga.default_timeout", 30*time.Second),
			SweepInterval:  c.Duration("saga.sweep_interval", 30*time.Second),
		},
	}

	if s.PoisonThreshold <= 0 {
		return Settings{}, eperrors.Configuration("config", "poison_threshold must be positive")
	}
	if s.DLQ.BackoffMultiplier < 1 {
		return Settings{}, eperrors.Configuration("config", "dlq.backoff_multiplier must be >= 1")
	}
	if !validDedupStrategies[s.Dedup.Strategy] {
		return Settings{}, eperrors.Configuration("config", "unknown dedup.strategy: "+s.Dedup.Strategy)
	}
	if s.Circuit.FailureThreshold <= 0 || s.Circuit.SuccessThreshold <= 0 {
		return Settings{}, eperrors.Configuration("config", "circuit thresholds must be positive")
	}
	return s, nil
}
