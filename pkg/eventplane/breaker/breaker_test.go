package breaker_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/eventplane/pkg/eventplane/breaker"
)

// fakeClock advances manually so tests never sleep.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time              { return c.now }
func (c *fakeClock) Advance(d time.Duration)     { c.now = c.now.Add(d) }
func newFakeClock() *fakeClock                   { return &fakeClock{now: time.Unix(1000, 0)} }

func newBreaker(clock *fakeClock) *breaker.Breaker {
	return breaker.New(breaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      time.Second,
		Window:           time.Minute,
		Clock:            clock.Now,
	})
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)

	if !b.CanProceed() {
		t.Fatal("closed breaker must admit calls")
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != breaker.Closed {
		t.Fatal("breaker opened before threshold")
	}

	b.RecordFailure()
	if b.State() != breaker.Open {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}
	if b.CanProceed() {
		t.Error("open breaker must reject calls")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.CanProceed() {
		t.Fatal("expected rejection while open")
	}

	// After the open timeout the next admission is a half-open trial.
	clock.Advance(time.Second)
	if !b.CanProceed() {
		t.Fatal("expected trial call after open timeout")
	}
	if b.State() != breaker.HalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	b.RecordSuccess()
	if b.State() != breaker.HalfOpen {
		t.Fatal("one success must not close the breaker")
	}

	if !b.CanProceed() {
		t.Fatal("expected second trial admission")
	}
	b.RecordSuccess()
	if b.State() != breaker.Closed {
		t.Fatalf("expected closed after success threshold, got %v", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Second)
	if !b.CanProceed() {
		t.Fatal("expected trial call")
	}

	b.RecordFailure()
	if b.State() != breaker.Open {
		t.Fatalf("expected reopen on trial failure, got %v", b.State())
	}

	// The timer restarted: still rejecting before a full timeout.
	clock.Advance(500 * time.Millisecond)
	if b.CanProceed() {
		t.Error("expected rejection before the restarted timeout elapses")
	}
	clock.Advance(500 * time.Millisecond)
	if !b.CanProceed() {
		t.Error("expected trial after the restarted timeout")
	}
}

func TestHalfOpenBoundsTrialCalls(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Second)

	admitted := 0
	for i := 0; i < 5; i++ {
		if b.CanProceed() {
			admitted++
		}
	}
	if admitted != 2 {
		t.Errorf("half-open must bound trials to the success threshold, admitted %d", admitted)
	}
}

func TestRollingWindowForgetsOldFailures(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)

	b.RecordFailure()
	b.RecordFailure()

	// Failures age out of the window before the third arrives.
	clock.Advance(2 * time.Minute)
	b.RecordFailure()

	if b.State() != breaker.Closed {
		t.Errorf("failures outside the window must not open the breaker, got %v", b.State())
	}
}

func TestOnStateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := breaker.New(breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		Window:           time.Minute,
		Clock:            clock.Now,
		OnStateChange: func(from, to breaker.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	b.CanProceed()
	b.RecordSuccess()

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}
