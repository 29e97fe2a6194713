// Package scheduler owns every periodic job in the event plane: DLQ
// retention sweeps, poison-tracker purges, ordering cleanup, and the saga
// timeout sweep all register here instead of spawning their own tickers.
// Tests drive time deterministically through Tick.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

type jobState struct {
	job     Job
	lastRun time.Time
}

// Scheduler runs registered jobs on their intervals.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []*jobState
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	running  bool
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Add registers a job. Jobs added after Start participate from the next
// tick.
func (s *Scheduler) Add(name string, every time.Duration, run func(ctx context.Context)) {
	s.mu.Lock()
	s.jobs = append(s.jobs, &jobState{job: Job{Name: name, Every: every, Run: run}})
	s.mu.Unlock()
}

// Tick runs every job whose interval has elapsed since its last run,
// relative to now. Jobs run synchronously on the caller's goroutine; a
// panicking job is recovered and logged so one job cannot kill the sweep.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*jobState, 0, len(s.jobs))
	for _, js := range s.jobs {
		if js.lastRun.IsZero() || now.Sub(js.lastRun) >= js.job.Every {
			js.lastRun = now
			due = append(due, js)
		}
	}
	s.mu.Unlock()

	for _, js := range due {
		s.runJob(ctx, js)
	}
}

func (s *Scheduler) runJob(ctx context.Context, js *jobState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked",
				slog.String("job", js.job.Name),
				slog.Any("panic", r))
		}
	}()
	js.job.Run(ctx)
}

// Start ticks on a background goroutine every resolution until Stop or
// context cancellation. A zero resolution defaults to one second.
func (s *Scheduler) Start(ctx context.Context, resolution time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if resolution <= 0 {
		resolution = time.Second
	}

	go func() {
		ticker := time.NewTicker(resolution)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				s.Tick(ctx, now)
			}
		}
	}()
}

// Stop halts the background ticker. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
