package saga

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventplane/pkg/eventplane"
	eperrors "github.com/randalmurphal/eventplane/pkg/eventplane/errors"
	"github.com/randalmurphal/eventplane/pkg/eventplane/store"
)

// Aggregate and event type names for the saga event stream.
const (
	AggregateType           = "saga"
	EventSagaStarted        = "saga_started"
	EventSagaUpdated        = "saga_updated"
	EventCompensationFailed = "saga_compensation_failed"
)

// StepExecutor is the capability a service exposes to run saga operations.
type StepExecutor interface {
	// Execute runs an operation and returns its result.
	Execute(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error)

	// HealthCheck reports whether the service can accept operations.
	HealthCheck(ctx context.Context) error
}

// Config configures the orchestrator.
type Config struct {
	// DefaultTimeout applies to sagas created without one and to steps
	// without their own.
	DefaultTimeout time.Duration

	// Clock overrides the time source for tests.
	Clock func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Orchestrator drives saga execution. Saga state lives in the event store;
// the in-memory map is a projection keyed by saga ID with one lock per saga.
type Orchestrator struct {
	store  store.EventStore
	cfg    Config
	logger *slog.Logger

	executorsMu sync.RWMutex
	executors   map[string]StepExecutor

	sagasMu sync.RWMutex
	sagas   map[string]*sagaEntry
}

// sagaEntry pairs a cached saga with its lock. The in-memory mutation window
// holds the lock briefly; persistence happens on a clone outside it.
type sagaEntry struct {
	mu   sync.Mutex
	saga *Saga
}

// NewOrchestrator creates a saga orchestrator backed by the given store.
func NewOrchestrator(eventStore store.EventStore, cfg Config) *Orchestrator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:     eventStore,
		cfg:       cfg,
		logger:    cfg.Logger,
		executors: make(map[string]StepExecutor),
		sagas:     make(map[string]*sagaEntry),
	}
}

// RegisterExecutor makes a service's step executor addressable by name.
func (o *Orchestrator) RegisterExecutor(serviceName string, executor StepExecutor) {
	o.executorsMu.Lock()
	o.executors[serviceName] = executor
	o.executorsMu.Unlock()
}

func (o *Orchestrator) executor(serviceName string) StepExecutor {
	o.executorsMu.RLock()
	defer o.executorsMu.RUnlock()
	return o.executors[serviceName]
}

// StartSaga validates the saga, records a saga_started event, and caches the
// projection. CreatedAt is restamped from the orchestrator's clock and a
// deadline keeps its duration relative to that start time.
func (o *Orchestrator) StartSaga(ctx context.Context, saga *Saga) (string, error) {
	if saga.SagaID == "" {
		return "", eperrors.Configuration("saga.start", "saga ID is required")
	}
	if len(saga.Steps) == 0 {
		return "", eperrors.Configuration("saga.start", "saga must have at least one step")
	}

	o.sagasMu.Lock()
	if _, exists := o.sagas[saga.SagaID]; exists {
		o.sagasMu.Unlock()
		return "", eperrors.Configuration("saga.start", "saga "+saga.SagaID+" already started")
	}
	started := saga.Clone()
	now := o.cfg.Clock()
	if started.TimeoutAt != nil {
		deadline := now.Add(started.TimeoutAt.Sub(started.CreatedAt))
		started.TimeoutAt = &deadline
	}
	started.CreatedAt = now
	started.UpdatedAt = now
	entry := &sagaEntry{saga: started}
	o.sagas[saga.SagaID] = entry
	o.sagasMu.Unlock()

	if err := o.persist(ctx, entry, EventSagaStarted); err != nil {
		o.sagasMu.Lock()
		delete(o.sagas, saga.SagaID)
		o.sagasMu.Unlock()
		return "", err
	}

	o.logger.Info("saga started",
		slog.String("saga_id", saga.SagaID),
		slog.String("saga_type", saga.SagaType),
		slog.Int("step_count", len(saga.Steps)))
	return saga.SagaID, nil
}

// ExecuteNextStep runs the current step of a saga and reports the outcome
// with the action the orchestrator will take. Step completion and failure
// are applied through HandleStepCompletion / HandleStepFailure.
func (o *Orchestrator) ExecuteNextStep(ctx context.Context, sagaID string) (*StepResult, error) {
	entry, err := o.entry(sagaID)
	if err != nil {
		return nil, err
	}
	now := o.cfg.Clock()

	// Snapshot the step under the lock; execute outside it so one saga's
	// I/O never blocks another.
	entry.mu.Lock()
	if !entry.saga.CanProceed(now) {
		status := entry.saga.Status
		entry.mu.Unlock()
		return nil, eperrors.New(eperrors.KindHandler, "saga.execute",
			"saga "+sagaID+" is not executable in status "+string(status))
	}
	stepRef := entry.saga.CurrentStepRef()
	if stepRef == nil {
		entry.mu.Unlock()
		return nil, eperrors.New(eperrors.KindHandler, "saga.execute",
			"saga "+sagaID+" has no current step")
	}
	step := *stepRef
	stepRef.Status = StepInProgress
	entry.mu.Unlock()

	executor := o.executor(step.ServiceName)
	if executor == nil {
		return nil, eperrors.New(eperrors.KindConfiguration, "saga.execute",
			"no executor registered for service "+step.ServiceName)
	}

	result, execErr := o.executeWithTimeout(ctx, executor, &step)

	if execErr != nil {
		entry.mu.Lock()
		stepRef.RetryCount++
		canRetry := stepRef.CanRetry()
		if canRetry {
			// Leave the step re-executable for the retry.
			stepRef.Status = StepPending
		} else {
			stepRef.Status = StepFailed
		}
		entry.mu.Unlock()

		next := ActionCompensate
		if canRetry {
			next = ActionRetry
		}
		errMsg := execErr.Error()
		if eperrors.Is(execErr, eperrors.KindTimeout) {
			errMsg = "timeout"
		}
		return &StepResult{
			StepID:     step.StepID,
			Status:     StepFailed,
			Error:      errMsg,
			NextAction: next,
		}, nil
	}

	entry.mu.Lock()
	isLast := entry.saga.CurrentStep+1 >= len(entry.saga.Steps)
	entry.mu.Unlock()

	next := ActionProceedToNext
	if isLast {
		next = ActionComplete
	}
	return &StepResult{
		StepID:     step.StepID,
		Status:     StepCompleted,
		Result:     result,
		NextAction: next,
	}, nil
}

// executeWithTimeout enforces the step deadline; exceeding it is a failure
// with error "timeout".
func (o *Orchestrator) executeWithTimeout(ctx context.Context, executor StepExecutor, step *Step) (json.RawMessage, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := executor.Execute(stepCtx, step.Operation, step.Payload)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			return nil, eperrors.New(eperrors.KindTimeout, "saga.step", "timeout")
		}
		return nil, err
	}
	return result, nil
}

// HandleStepCompletion records a step success, advances the saga, and
// persists a saga_updated event.
func (o *Orchestrator) HandleStepCompletion(ctx context.Context, sagaID string, result json.RawMessage) error {
	entry, err := o.entry(sagaID)
	if err != nil {
		return err
	}
	now := o.cfg.Clock()

	entry.mu.Lock()
	if entry.saga.Status.Terminal() {
		entry.mu.Unlock()
		return eperrors.New(eperrors.KindHandler, "saga.complete_step",
			"saga "+sagaID+" is terminal")
	}
	entry.saga.markStepCompleted(result, now)
	completed := entry.saga.Status == StatusCompleted
	entry.mu.Unlock()

	if err := o.persist(ctx, entry, EventSagaUpdated); err != nil {
		return err
	}
	if completed {
		o.logger.Info("saga completed", slog.String("saga_id", sagaID))
	}
	return nil
}

// HandleStepFailure records a terminal step failure, persists it, and runs
// compensation.
func (o *Orchestrator) HandleStepFailure(ctx context.Context, sagaID string, errorMessage string) error {
	entry, err := o.entry(sagaID)
	if err != nil {
		return err
	}
	now := o.cfg.Clock()

	entry.mu.Lock()
	if entry.saga.Status.Terminal() {
		entry.mu.Unlock()
		return eperrors.New(eperrors.KindHandler, "saga.fail_step",
			"saga "+sagaID+" is terminal")
	}
	entry.saga.markStepFailed(errorMessage, now)
	entry.saga.startCompensation(now)
	entry.mu.Unlock()

	o.logger.Error("saga step failed, compensating",
		slog.String("saga_id", sagaID),
		slog.String("error", errorMessage))

	if err := o.persist(ctx, entry, EventSagaUpdated); err != nil {
		return err
	}
	return o.runCompensation(ctx, entry)
}

// runCompensation executes the compensation plan sequentially. A failing
// compensation retries up to its budget; exhaustion leaves the saga Failed
// and emits an operator-visible event.
func (o *Orchestrator) runCompensation(ctx context.Context, entry *sagaEntry) error {
	entry.mu.Lock()
	sagaID := entry.saga.SagaID
	planLen := len(entry.saga.CompensationSteps)
	entry.mu.Unlock()

	for i := 0; i < planLen; i++ {
		entry.mu.Lock()
		step := entry.saga.CompensationSteps[i]
		entry.mu.Unlock()

		executor := o.executor(step.ServiceName)
		if executor == nil {
			return o.failCompensation(ctx, entry, i,
				"no executor registered for service "+step.ServiceName)
		}

		var lastErr error
		for attempt := 0; attempt <= step.MaxRetries; attempt++ {
			_, lastErr = o.executeWithTimeout(ctx, executor, &step)
			if lastErr == nil {
				break
			}
			if err := ctx.Err(); err != nil {
				return eperrors.Cancelled("saga.compensate", err)
			}
		}
		if lastErr != nil {
			return o.failCompensation(ctx, entry, i, lastErr.Error())
		}

		now := o.cfg.Clock()
		entry.mu.Lock()
		entry.saga.CompensationSteps[i].Status = StepCompensated
		entry.saga.CompensationSteps[i].ExecutedAt = &now
		entry.saga.UpdatedAt = now
		entry.mu.Unlock()
	}

	now := o.cfg.Clock()
	entry.mu.Lock()
	// A timed-out saga keeps its TimedOut status only until compensation
	// finishes; the terminal outcome of a successful rollback is
	// Compensated.
	entry.saga.Status = StatusCompensated
	entry.saga.UpdatedAt = now
	entry.mu.Unlock()

	if err := o.persist(ctx, entry, EventSagaUpdated); err != nil {
		return err
	}
	o.logger.Info("saga compensation completed", slog.String("saga_id", sagaID))
	return nil
}

// failCompensation marks the saga Failed after an unrecoverable compensation
// error and emits an operator-visible event.
func (o *Orchestrator) failCompensation(ctx context.Context, entry *sagaEntry, stepIndex int, reason string) error {
	now := o.cfg.Clock()
	entry.mu.Lock()
	sagaID := entry.saga.SagaID
	entry.saga.CompensationSteps[stepIndex].Status = StepFailed
	entry.saga.CompensationSteps[stepIndex].Error = reason
	entry.saga.Status = StatusFailed
	entry.saga.UpdatedAt = now
	entry.mu.Unlock()

	o.logger.Error("saga compensation failed",
		slog.String("saga_id", sagaID),
		slog.Int("compensation_step", stepIndex),
		slog.String("error", reason))

	if err := o.persist(ctx, entry, EventSagaUpdated); err != nil {
		return err
	}
	return o.appendSagaEvent(ctx, entry, EventCompensationFailed, map[string]any{
		"saga_id":           sagaID,
		"compensation_step": stepIndex,
		"reason":            reason,
	})
}

// CancelSaga is valid only while the saga is Started or InProgress: it marks
// the saga Failed and triggers compensation. Cancelling an already-terminal
// saga is a no-op.
func (o *Orchestrator) CancelSaga(ctx context.Context, sagaID string) error {
	entry, err := o.entry(sagaID)
	if err != nil {
		return err
	}
	now := o.cfg.Clock()

	entry.mu.Lock()
	status := entry.saga.Status
	if status.Terminal() {
		entry.mu.Unlock()
		return nil
	}
	if status != StatusStarted && status != StatusInProgress {
		entry.mu.Unlock()
		return eperrors.New(eperrors.KindHandler, "saga.cancel",
			"saga "+sagaID+" cannot be cancelled in status "+string(status))
	}
	entry.saga.Status = StatusFailed
	entry.saga.startCompensation(now)
	entry.saga.UpdatedAt = now
	entry.mu.Unlock()

	o.logger.Info("saga cancelled", slog.String("saga_id", sagaID))

	if err := o.persist(ctx, entry, EventSagaUpdated); err != nil {
		return err
	}
	return o.runCompensation(ctx, entry)
}

// Status returns the saga's current status.
func (o *Orchestrator) Status(_ context.Context, sagaID string) (Status, error) {
	entry, err := o.entry(sagaID)
	if err != nil {
		return "", err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.saga.Status, nil
}

// GetSaga returns a clone of the saga projection.
func (o *Orchestrator) GetSaga(_ context.Context, sagaID string) (*Saga, error) {
	entry, err := o.entry(sagaID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.saga.Clone(), nil
}

// ListActiveSagas returns clones of sagas still running forward steps.
func (o *Orchestrator) ListActiveSagas(_ context.Context) []*Saga {
	o.sagasMu.RLock()
	entries := make([]*sagaEntry, 0, len(o.sagas))
	for _, entry := range o.sagas {
		entries = append(entries, entry)
	}
	o.sagasMu.RUnlock()

	var active []*Saga
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.saga.Status == StatusStarted || entry.saga.Status == StatusInProgress {
			active = append(active, entry.saga.Clone())
		}
		entry.mu.Unlock()
	}
	return active
}

// ProcessTimeouts flips expired running sagas to TimedOut and compensates
// their completed steps. Driven by the scheduler; returns the affected IDs.
func (o *Orchestrator) ProcessTimeouts(ctx context.Context) ([]string, error) {
	now := o.cfg.Clock()

	o.sagasMu.RLock()
	entries := make([]*sagaEntry, 0, len(o.sagas))
	for _, entry := range o.sagas {
		entries = append(entries, entry)
	}
	o.sagasMu.RUnlock()

	var timedOut []string
	for _, entry := range entries {
		entry.mu.Lock()
		saga := entry.saga
		expired := saga.IsTimedOut(now) &&
			(saga.Status == StatusStarted || saga.Status == StatusInProgress)
		if expired {
			saga.Status = StatusTimedOut
			saga.startCompensation(now)
			saga.Status = StatusTimedOut
			saga.UpdatedAt = now
			timedOut = append(timedOut, saga.SagaID)
		}
		entry.mu.Unlock()

		if !expired {
			continue
		}
		o.logger.Warn("saga timed out", slog.String("saga_id", entry.saga.SagaID))
		if err := o.persist(ctx, entry, EventSagaUpdated); err != nil {
			return timedOut, err
		}
		if err := o.runCompensation(ctx, entry); err != nil {
			return timedOut, err
		}
	}
	return timedOut, nil
}

// entry looks up the cached saga.
func (o *Orchestrator) entry(sagaID string) (*sagaEntry, error) {
	o.sagasMu.RLock()
	entry, ok := o.sagas[sagaID]
	o.sagasMu.RUnlock()
	if !ok {
		return nil, eperrors.AggregateNotFound(sagaID)
	}
	return entry, nil
}

// persist appends a saga lifecycle event carrying the full projection.
// The clone is taken under the saga lock; the append happens outside it.
func (o *Orchestrator) persist(ctx context.Context, entry *sagaEntry, eventType string) error {
	entry.mu.Lock()
	clone := entry.saga.Clone()
	entry.saga.aggregateVersion++
	version := entry.saga.aggregateVersion
	entry.mu.Unlock()

	env, err := eventplane.NewEnvelope(clone.SagaID, AggregateType, eventType, version, clone,
		eventplane.WithCorrelationID(clone.CorrelationID))
	if err != nil {
		return eperrors.Serialization("saga.persist", err)
	}
	if appendErr := o.store.AppendEvent(ctx, env); appendErr != nil {
		return appendErr
	}
	return nil
}

// appendSagaEvent appends an auxiliary saga event (operator signals).
func (o *Orchestrator) appendSagaEvent(ctx context.Context, entry *sagaEntry, eventType string, payload any) error {
	entry.mu.Lock()
	entry.saga.aggregateVersion++
	version := entry.saga.aggregateVersion
	sagaID := entry.saga.SagaID
	correlationID := entry.saga.CorrelationID
	entry.mu.Unlock()

	env, err := eventplane.NewEnvelope(sagaID, AggregateType, eventType, version, payload,
		eventplane.WithCorrelationID(correlationID))
	if err != nil {
		return eperrors.Serialization("saga.persist", err)
	}
	return o.store.AppendEvent(ctx, env)
}
