// Package saga coordinates long-running multi-step operations across
// services with reverse-order compensation.
//
// A saga is an aggregate of type "saga": every change is an appended event
// and the in-memory map is a projection cached for scheduling. The event log
// is authoritative; the projection may be briefly stale while a persistence
// call is in flight.
//
// Design Influences:
//   - Microservices.io Saga Pattern
//   - AWS Step Functions
//   - Temporal Sagas
package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a saga.
type Status string

const (
	StatusStarted      Status = "started"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusTimedOut     Status = "timed_out"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one saga step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepInProgress  StepStatus = "in_progress"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepSkipped     StepStatus = "skipped"
	StepCompensated StepStatus = "compensated"
)

// Step is one forward operation, optionally paired with a compensation.
type Step struct {
	StepID               string          `json:"step_id"`
	ServiceName          string          `json:"service_name"`
	Operation            string          `json:"operation"`
	Payload              json.RawMessage `json:"payload"`
	CompensationOp       string          `json:"compensation_operation,omitempty"`
	CompensationPayload  json.RawMessage `json:"compensation_payload,omitempty"`
	Timeout              time.Duration   `json:"timeout"`
	RetryCount           int             `json:"retry_count"`
	MaxRetries           int             `json:"max_retries"`
	Status               StepStatus      `json:"status"`
	ExecutedAt           *time.Time      `json:"executed_at,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// NewStep creates a pending step.
func NewStep(serviceName, operation string, payload json.RawMessage, timeout time.Duration) Step {
	return Step{
		StepID:      uuid.New().String(),
		ServiceName: serviceName,
		Operation:   operation,
		Payload:     payload,
		Timeout:     timeout,
		MaxRetries:  3,
		Status:      StepPending,
	}
}

// WithCompensation pairs the step with its inverse operation.
func (s Step) WithCompensation(operation string, payload json.RawMessage) Step {
	s.CompensationOp = operation
	s.CompensationPayload = payload
	return s
}

// WithRetries overrides the retry budget.
func (s Step) WithRetries(maxRetries int) Step {
	s.MaxRetries = maxRetries
	return s
}

// CanRetry reports whether the step has retry budget left.
func (s *Step) CanRetry() bool {
	return s.RetryCount < s.MaxRetries
}

// Saga is the aggregate coordinating a step sequence. It is never mutated in
// place by callers; the orchestrator owns every transition.
type Saga struct {
	SagaID            string                     `json:"saga_id"`
	SagaType          string                     `json:"saga_type"`
	Status            Status                     `json:"status"`
	CurrentStep       int                        `json:"current_step"`
	Steps             []Step                     `json:"steps"`
	CompensationSteps []Step                     `json:"compensation_steps"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	TimeoutAt         *time.Time                 `json:"timeout_at,omitempty"`
	CorrelationID     string                     `json:"correlation_id,omitempty"`
	Metadata          map[string]json.RawMessage `json:"metadata,omitempty"`

	// aggregateVersion tracks the saga's event stream version for appends.
	aggregateVersion int64
}

// New creates a saga of the given type. A zero timeout means the saga never
// times out.
func New(sagaType string, timeout time.Duration) *Saga {
	now := time.Now().UTC()
	s := &Saga{
		SagaID:    uuid.New().String(),
		SagaType:  sagaType,
		Status:    StatusStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if timeout > 0 {
		t := now.Add(timeout)
		s.TimeoutAt = &t
	}
	return s
}

// AddStep appends a forward step.
func (s *Saga) AddStep(step Step) {
	s.Steps = append(s.Steps, step)
	s.UpdatedAt = time.Now().UTC()
}

// CurrentStepRef returns the step at the cursor, or nil when exhausted.
func (s *Saga) CurrentStepRef() *Step {
	if s.CurrentStep < 0 || s.CurrentStep >= len(s.Steps) {
		return nil
	}
	return &s.Steps[s.CurrentStep]
}

// IsTimedOut reports whether the saga deadline has passed.
func (s *Saga) IsTimedOut(now time.Time) bool {
	return s.TimeoutAt != nil && now.After(*s.TimeoutAt)
}

// CanProceed reports whether forward steps may still execute.
func (s *Saga) CanProceed(now time.Time) bool {
	return (s.Status == StatusStarted || s.Status == StatusInProgress) && !s.IsTimedOut(now)
}

// markStepCompleted records a successful step and advances the cursor.
func (s *Saga) markStepCompleted(result json.RawMessage, now time.Time) {
	if step := s.CurrentStepRef(); step != nil {
		step.Status = StepCompleted
		step.ExecutedAt = &now
		step.Result = result
	}
	s.CurrentStep++
	s.UpdatedAt = now

	if s.CurrentStep >= len(s.Steps) {
		s.Status = StatusCompleted
	} else {
		s.Status = StatusInProgress
	}
}

// markStepFailed records a terminal step failure.
func (s *Saga) markStepFailed(errorMessage string, now time.Time) {
	if step := s.CurrentStepRef(); step != nil {
		step.Status = StepFailed
		step.ExecutedAt = &now
		step.Error = errorMessage
	}
	s.Status = StatusFailed
	s.UpdatedAt = now
}

// startCompensation builds the compensation plan from completed forward
// steps, in reverse order. Steps without a compensation operation do not
// participate.
func (s *Saga) startCompensation(now time.Time) {
	s.Status = StatusCompensating
	s.UpdatedAt = now
	s.CompensationSteps = nil

	for _, step := range s.Steps {
		if step.Status != StepCompleted || step.CompensationOp == "" {
			continue
		}
		s.CompensationSteps = append(s.CompensationSteps, Step{
			StepID:      uuid.New().String(),
			ServiceName: step.ServiceName,
			Operation:   step.CompensationOp,
			Payload:     step.CompensationPayload,
			Timeout:     step.Timeout,
			MaxRetries:  step.MaxRetries,
			Status:      StepPending,
		})
	}

	// Undo in reverse order.
	for i, j := 0, len(s.CompensationSteps)-1; i < j; i, j = i+1, j-1 {
		s.CompensationSteps[i], s.CompensationSteps[j] = s.CompensationSteps[j], s.CompensationSteps[i]
	}
}

// Clone returns a deep copy safe to hand outside the orchestrator's lock.
func (s *Saga) Clone() *Saga {
	clone := *s
	clone.Steps = append([]Step(nil), s.Steps...)
	clone.CompensationSteps = append([]Step(nil), s.CompensationSteps...)
	if s.TimeoutAt != nil {
		t := *s.TimeoutAt
		clone.TimeoutAt = &t
	}
	if s.Metadata != nil {
		clone.Metadata = make(map[string]json.RawMessage, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// StepResult describes the outcome of executing one step.
type StepResult struct {
	StepID     string          `json:"step_id"`
	Status     StepStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	NextAction NextAction      `json:"next_action"`
}

// NextAction tells the caller what the orchestrator will do next.
type NextAction string

const (
	ActionProceedToNext NextAction = "proceed_to_next"
	ActionRetry         NextAction = "retry"
	ActionCompensate    NextAction = "compensate"
	ActionComplete      NextAction = "complete"
	ActionFail          NextAction = "fail"
)
