package ordering_test

import (
	"testing"
	"time"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	"github.com/randalmurphal/eventplane/pkg/eventplane/ordering"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newEnv(t *testing.T, aggregateID, eventType string, opts ...eventplane.EnvelopeOption) *eventplane.Envelope {
	t.Helper()
	env, err := eventplane.NewEnvelope(aggregateID, "test", eventType, 1,
		map[string]string{"region": "eu", "shard": "s1"}, opts...)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestEventIDDeduplication(t *testing.T) {
	p := ordering.NewProcessor(ordering.Config{
		Strategy:       ordering.StrategyTimestamp,
		Dedup:          ordering.DedupEventID,
		StrictOrdering: true,
	})

	env := newEnv(t, "agg-1", "thing.happened")

	first, err := p.ProcessEvent(env)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected first call to release the event, got %d", len(first))
	}

	second, err := p.ProcessEvent(env)
	if err != nil {
		t.Fatalf("process duplicate: %v", err)
	}
	if second != nil {
		t.Errorf("expected duplicate to be suppressed, got %d events", len(second))
	}

	if got := p.Stats().DuplicatesDetected; got != 1 {
		t.Errorf("expected duplicates_detected == 1, got %d", got)
	}
}

func TestContentHashDeduplication(t *testing.T) {
	p := ordering.NewProcessor(ordering.Config{
		Strategy: ordering.StrategyTimestamp,
		Dedup:    ordering.DedupContentHash,
	})

	// Distinct event IDs, identical payloads.
	a := newEnv(t, "agg-1", "thing.happened")
	b := newEnv(t, "agg-2", "thing.happened")

	if out, _ := p.ProcessEvent(a); len(out) != 1 {
		t.Fatal("expected first event released")
	}
	if out, _ := p.ProcessEvent(b); out != nil {
		t.Error("expected identical payload to be suppressed")
	}
}

func TestCustomKeyDeduplicationFallsBackToEventID(t *testing.T) {
	p := ordering.NewProcessor(ordering.Config{
		Strategy:    ordering.StrategyTimestamp,
		Dedup:       ordering.DedupCustomKey,
		DedupFields: []string{"missing_field"},
	})

	a := newEnv(t, "agg-1", "thing.happened")
	b := newEnv(t, "agg-2", "thing.happened")

	// Neither has the field: both fall back to their unique event IDs.
	if out, _ := p.ProcessEvent(a); len(out) != 1 {
		t.Error("expected a released")
	}
	if out, _ := p.ProcessEvent(b); len(out) != 1 {
		t.Error("expected b released")
	}
}

func TestCustomKeyDeduplicationOnFields(t *testing.T) {
	p := ordering.NewProcessor(ordering.Config{
		Strategy:    ordering.StrategyTimestamp,
		Dedup:       ordering.DedupCustomKey,
		DedupFields: []string{"region", "shard"},
	})

	// Same field values on both payloads.
	if out, _ := p.ProcessEvent(newEnv(t, "agg-1", "a")); len(out) != 1 {
		t.Error("expected first released")
	}
	if out, _ := p.ProcessEvent(newEnv(t, "agg-2", "b")); out != nil {
		t.Error("expected same custom key to be suppressed")
	}
}

func TestTimeWindowDeduplication(t *testing.T) {
	clock := &fakeClock{now: time.Unix(7000, 0)}
	p := ordering.NewProcessor(ordering.Config{
		Strategy:    ordering.StrategyTimestamp,
		Dedup:       ordering.DedupTimeWindow,
		DedupWindow: 10 * time.Second,
		Clock:       clock.Now,
	})

	if out, _ := p.ProcessEvent(newEnv(t, "agg-1", "tick")); len(out) != 1 {
		t.Fatal("expected first released")
	}

	// Inside the window: suppressed even with a new event ID.
	clock.Advance(5 * time.Second)
	if out, _ := p.ProcessEvent(newEnv(t, "agg-1", "tick")); out != nil {
		t.Error("expected suppression inside the window")
	}

	// Past the window: delivered again.
	clock.Advance(6 * time.Second)
	if out, _ := p.ProcessEvent(newEnv(t, "agg-1", "tick")); len(out) != 1 {
		t.Error("expected release after the window elapsed")
	}
}

func TestTimeWindowZeroSuppressesSameInstantOnly(t *testing.T) {
	clock := &fakeClock{now: time.Unix(7000, 0)}
	p := ordering.NewProcessor(ordering.Config{
		Strategy:    ordering.StrategyTimestamp,
		Dedup:       ordering.DedupTimeWindow,
		DedupWindow: 0,
		Clock:       clock.Now,
	})

	if out, _ := p.ProcessEvent(newEnv(t, "agg-1", "tick")); len(out) != 1 {
		t.Fatal("expected first occurrence released")
	}
	// Exactly now: duplicate.
	if out, _ := p.ProcessEvent(newEnv(t, "agg-1", "tick")); out != nil {
		t.Error("expected same-instant repeat to be a duplicate")
	}
	clock.Advance(time.Nanosecond)
	if out, _ := p.ProcessEvent(newEnv(t, "agg-1", "tick")); len(out) != 1 {
		t.Error("expected release once any time has passed")
	}
}

func TestPriorityClassification(t *testing.T) {
	tests := []struct {
		eventType string
		want      ordering.Priority
	}{
		{"payment.critical_failure", ordering.PriorityCritical},
		{"sync.error", ordering.PriorityCritical},
		{"user.urgent_reset", ordering.PriorityHigh},
		{"system.rebalance", ordering.PriorityHigh},
		{"user.created", ordering.PriorityNormal},
	}
	for _, tt := range tests {
		if got := ordering.ClassifyPriority(tt.eventType); got != tt.want {
			t.Errorf("ClassifyPriority(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestBufferOverflowDropsOldestHead(t *testing.T) {
	clock := &fakeClock{now: time.Unix(7000, 0)}
	p := ordering.NewProcessor(ordering.Config{
		Strategy:           ordering.StrategyTimestamp,
		Dedup:              ordering.DedupNone,
		BufferSize:         3,
		MaxOutOfOrderDelay: time.Minute,
		StrictOrdering:     true,
		Clock:              clock.Now,
	})

	// Release one event, then feed stragglers with earlier timestamps.
	// Strict ordering holds them, filling the buffer.
	base := time.Unix(6000, 0)
	if out, _ := p.ProcessEvent(newEnv(t, "agg-1", "tick",
		eventplane.WithOccurredAt(base))); len(out) != 1 {
		t.Fatal("expected first event released")
	}

	for i := 1; i <= 4; i++ {
		out, err := p.ProcessEvent(newEnv(t, "agg-1", "tick",
			eventplane.WithOccurredAt(base.Add(-time.Duration(i)*time.Second))))
		if err != nil {
			t.Fatalf("process straggler %d: %v", i, err)
		}
		if out != nil {
			t.Fatalf("straggler %d must stall in strict mode", i)
		}
	}

	// Capacity 3, four stragglers: exactly one oldest head dropped.
	if got := p.Stats().EventsDropped; got != 1 {
		t.Errorf("expected events_dropped == 1 at capacity + 1, got %d", got)
	}
}

func TestStrictOrderingReleasesInSequence(t *testing.T) {
	p := ordering.NewProcessor(ordering.Config{
		Strategy:       ordering.StrategySequence,
		Dedup:          ordering.DedupNone,
		StrictOrdering: true,
	})

	var released []int64
	for i := 0; i < 5; i++ {
		out, err := p.ProcessEvent(newEnv(t, "agg-1", "tick"))
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		for _, e := range out {
			released = append(released, e.SequenceNumber)
		}
	}

	if len(released) != 5 {
		t.Fatalf("expected 5 released, got %d", len(released))
	}
	for i := 1; i < len(released); i++ {
		if released[i] <= released[i-1] {
			t.Errorf("sequence regressed: %v", released)
		}
	}
}

func TestRelaxedModeReleasesOnDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Unix(7000, 0)}
	p := ordering.NewProcessor(ordering.Config{
		Strategy:           ordering.StrategyPriorityTimestamp,
		Dedup:              ordering.DedupNone,
		BufferSize:         10,
		MaxOutOfOrderDelay: time.Second,
		StrictOrdering:     false,
		Clock:              clock.Now,
	})

	base := time.Unix(6000, 0)
	// In-order event releases immediately.
	out, _ := p.ProcessEvent(newEnv(t, "agg-1", "normal.a",
		eventplane.WithOccurredAt(base.Add(time.Second))))
	if len(out) != 1 {
		t.Fatalf("expected immediate release, got %d", len(out))
	}

	// A straggler with an earlier timestamp stalls.
	stalled, _ := p.ProcessEvent(newEnv(t, "agg-1", "normal.late",
		eventplane.WithOccurredAt(base)))
	if stalled != nil {
		t.Fatalf("expected straggler to stall, got %d released", len(stalled))
	}

	// After the deadline passes, the next flush releases it out of
	// timestamp order, in ascending sequence.
	clock.Advance(2 * time.Second)
	released, _ := p.ProcessEvent(newEnv(t, "agg-1", "normal.next",
		eventplane.WithOccurredAt(base.Add(3*time.Second))))
	if len(released) != 2 {
		t.Fatalf("expected straggler plus new event, got %d", len(released))
	}
	if released[0].Event.EventType != "normal.late" {
		t.Errorf("expected the stalled straggler first, got %s", released[0].Event.EventType)
	}
	if released[1].SequenceNumber < released[0].SequenceNumber {
		t.Error("events released in one flush must ascend by sequence")
	}
}

func TestCleanupDropsExpiredEvents(t *testing.T) {
	clock := &fakeClock{now: time.Unix(7000, 0)}
	p := ordering.NewProcessor(ordering.Config{
		Strategy:           ordering.StrategyTimestamp,
		Dedup:              ordering.DedupNone,
		BufferSize:         10,
		MaxOutOfOrderDelay: time.Second,
		StrictOrdering:     true,
		Clock:              clock.Now,
	})

	base := time.Unix(6000, 0)
	// Release one event, then stall a straggler behind it.
	p.ProcessEvent(newEnv(t, "agg-1", "tick", eventplane.WithOccurredAt(base.Add(time.Second))))
	p.ProcessEvent(newEnv(t, "agg-1", "tick", eventplane.WithOccurredAt(base)))

	before := p.Stats().EventsDropped
	clock.Advance(time.Minute)
	p.Cleanup()
	if got := p.Stats().EventsDropped; got <= before {
		t.Errorf("expected cleanup to drop expired buffered events, got %d", got)
	}
}

func TestFlushAllDrainsInSequenceOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(7000, 0)}
	p := ordering.NewProcessor(ordering.Config{
		Strategy:           ordering.StrategyTimestamp,
		Dedup:              ordering.DedupNone,
		BufferSize:         10,
		MaxOutOfOrderDelay: time.Minute,
		StrictOrdering:     true,
		Clock:              clock.Now,
	})

	base := time.Unix(6000, 0)
	// Stall two partitions with stragglers.
	p.ProcessEvent(newEnv(t, "agg-1", "tick", eventplane.WithOccurredAt(base.Add(time.Second))))
	p.ProcessEvent(newEnv(t, "agg-1", "tick", eventplane.WithOccurredAt(base)))
	p.ProcessEvent(newEnv(t, "agg-2", "tick", eventplane.WithOccurredAt(base.Add(time.Second))))
	p.ProcessEvent(newEnv(t, "agg-2", "tick", eventplane.WithOccurredAt(base)))

	drained := p.FlushAll()
	if len(drained) == 0 {
		t.Fatal("expected buffered events to drain")
	}
	for i := 1; i < len(drained); i++ {
		if drained[i].SequenceNumber < drained[i-1].SequenceNumber {
			t.Errorf("flush_all must order by sequence: %d before %d",
				drained[i-1].SequenceNumber, drained[i].SequenceNumber)
		}
	}
}

func TestPartitionedStrategyUsesPayloadField(t *testing.T) {
	p := ordering.NewProcessor(ordering.Config{
		Strategy:       ordering.StrategyPartitioned,
		PartitionField: "region",
		Dedup:          ordering.DedupNone,
		StrictOrdering: true,
	})

	out, err := p.ProcessEvent(newEnv(t, "agg-1", "thing.happened"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 || out[0].PartitionKey != "eu" {
		t.Errorf("expected partition key from payload field, got %+v", out)
	}
}

func TestManagerRoutesAndAggregates(t *testing.T) {
	m := ordering.NewManager(ordering.Config{
		Strategy: ordering.StrategyTimestamp,
		Dedup:    ordering.DedupEventID,
	})

	strict := ordering.Config{
		Strategy:       ordering.StrategySequence,
		Dedup:          ordering.DedupNone,
		StrictOrdering: true,
	}
	m.Register("billing", &strict)

	if _, err := m.ProcessEvent(newEnv(t, "agg-1", "a"), "billing"); err != nil {
		t.Fatalf("process billing: %v", err)
	}
	if _, err := m.ProcessEvent(newEnv(t, "agg-1", "a"), ""); err != nil {
		t.Fatalf("process default: %v", err)
	}

	stats := m.CombinedStats()
	if len(stats) != 2 {
		t.Fatalf("expected 2 processors, got %d", len(stats))
	}
	if stats["billing"].TotalEventsProcessed != 1 {
		t.Errorf("expected billing to have processed 1 event, got %d",
			stats["billing"].TotalEventsProcessed)
	}

	m.CleanupAll()
}
