// Package breaker provides the shared failure-isolation primitive used at
// two layers of the event plane: around the event store and around the
// dead-letter queue's own persistence.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// Closed allows all calls.
	Closed State = iota

	// Open rejects calls immediately.
	Open

	// HalfOpen admits a bounded number of trial calls.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of failures within the rolling window
	// that opens the breaker.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the breaker.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before admitting a
	// trial call.
	OpenTimeout time.Duration

	// Window is the rolling window for counting failures while closed.
	Window time.Duration

	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(from, to State)

	// Clock overrides the time source for tests.
	Clock func() time.Time
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	OpenTimeout:      60 * time.Second,
	Window:           5 * time.Minute,
}

// Breaker is the Closed -> Open -> HalfOpen -> Closed state machine.
// CanProceed, RecordSuccess, and RecordFailure are the only operations that
// drive transitions; all of them are serialized by a single mutex and never
// block on I/O.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  []time.Time
	successes int
	trials    int
	openedAt  time.Time
}

// New creates a circuit breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig.OpenTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{cfg: cfg}
}

// CanProceed reports whether a call is admitted. While open, the first
// admission after OpenTimeout transitions the breaker to half-open; in
// half-open, trial admissions are bounded by SuccessThreshold.
func (b *Breaker) CanProceed() bool {
	b.mu.Lock()

	switch b.state {
	case Closed:
		b.mu.Unlock()
		return true
	case Open:
		if b.cfg.Clock().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.transitionLocked(HalfOpen)
			b.trials = 1
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false
	case HalfOpen:
		if b.trials < b.cfg.SuccessThreshold {
			b.trials++
			b.mu.Unlock()
			return true
		}
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()
	return false
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	case Closed:
		// A success does not clear the failure window; only time does.
	}
	b.mu.Unlock()
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.cfg.Clock()

	switch b.state {
	case Closed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transitionLocked(Open)
		}
	case HalfOpen:
		// Any half-open failure reopens and restarts the timer.
		b.openedAt = now
		b.transitionLocked(Open)
	}
	b.mu.Unlock()
}

// State returns the current state. An open breaker past its timeout still
// reports Open until the next admission attempt.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// pruneLocked drops failures older than the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transitionLocked moves to the given state and resets counters.
// The caller must hold the mutex; the callback runs after unlock.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case Closed:
		b.failures = nil
		b.successes = 0
		b.trials = 0
	case HalfOpen:
		b.successes = 0
		b.trials = 0
	}

	if cb := b.cfg.OnStateChange; cb != nil {
		b.mu.Unlock()
		cb(from, to)
		b.mu.Lock()
	}
}
