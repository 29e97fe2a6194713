// Package errors provides the error taxonomy and retry machinery for the
// event plane.
//
// Every failure crossing a component boundary is classified by Kind so that
// callers decide on retry, DLQ routing, or surfacing without parsing error
// strings. The retry executor applies exponential backoff with jitter and
// honours context cancellation.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling policy.
type Kind int

const (
	// KindDatabase is a backend transport or storage fault.
	KindDatabase Kind = iota

	// KindSerialization is a payload that cannot be encoded or decoded.
	KindSerialization

	// KindConcurrency is a version conflict on append.
	KindConcurrency

	// KindEventNotFound is a lookup miss for an event.
	KindEventNotFound

	// KindAggregateNotFound is a lookup miss for an aggregate.
	KindAggregateNotFound

	// KindInvalidVersion is an expected/actual version mismatch.
	KindInvalidVersion

	// KindHandler is a subscriber or handler failure.
	KindHandler

	// KindCircuitOpen is a call rejected by an open circuit breaker.
	KindCircuitOpen

	// KindDLQUnavailable means the dead-letter queue itself is failing.
	KindDLQUnavailable

	// KindTimeout is a deadline exceeded.
	KindTimeout

	// KindCancelled is a cooperative cancellation.
	KindCancelled

	// KindConfiguration is a startup-time invariant violation.
	KindConfiguration
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindDatabase:
		return "database"
	case KindSerialization:
		return "serialization"
	case KindConcurrency:
		return "concurrency"
	case KindEventNotFound:
		return "event_not_found"
	case KindAggregateNotFound:
		return "aggregate_not_found"
	case KindInvalidVersion:
		return "invalid_version"
	case KindHandler:
		return "handler"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDLQUnavailable:
		return "dlq_unavailable"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its kind and operation context.
type Error struct {
	// Kind indicates how this error should be handled.
	Kind Kind

	// Op describes what operation was being attempted.
	Op string

	// Err is the underlying error, if any.
	Err error

	// Message describes the failure when there is no underlying error.
	Message string

	// Attempts is the number of attempts that have been made.
	Attempts int
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (kind: %s)", e.Op, msg, e.Kind)
	}
	return fmt.Sprintf("%s (kind: %s)", msg, e.Kind)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap wraps err with a kind and operation context. Returns nil when err is
// nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Database creates a database error.
func Database(op string, err error) *Error { return Wrap(KindDatabase, op, err) }

// Serialization creates a serialization error.
func Serialization(op string, err error) *Error { return Wrap(KindSerialization, op, err) }

// Concurrency creates a version-conflict error.
func Concurrency(op, message string) *Error { return New(KindConcurrency, op, message) }

// EventNotFound creates a lookup-miss error for an event.
func EventNotFound(eventID string) *Error {
	return New(KindEventNotFound, "", fmt.Sprintf("event not found: %s", eventID))
}

// AggregateNotFound creates a lookup-miss error for an aggregate.
func AggregateNotFound(aggregateID string) *Error {
	return New(KindAggregateNotFound, "", fmt.Sprintf("aggregate not found: %s", aggregateID))
}

// InvalidVersion creates a version-mismatch error.
func InvalidVersion(op string, expected, actual int64) *Error {
	return New(KindInvalidVersion, op,
		fmt.Sprintf("invalid version: expected %d, got %d", expected, actual))
}

// Handler creates a handler-failure error.
func Handler(op string, err error) *Error { return Wrap(KindHandler, op, err) }

// CircuitOpen creates a breaker-rejection error.
func CircuitOpen(op string) *Error {
	return New(KindCircuitOpen, op, "circuit breaker is open")
}

// DLQUnavailable creates an error for a failing dead-letter queue.
func DLQUnavailable(op, message string) *Error {
	return New(KindDLQUnavailable, op, message)
}

// Timeout creates a deadline-exceeded error.
func Timeout(op string, err error) *Error { return Wrap(KindTimeout, op, err) }

// Cancelled creates a cooperative-cancellation error.
func Cancelled(op string, err error) *Error { return Wrap(KindCancelled, op, err) }

// Configuration creates a startup-invariant error.
func Configuration(op, message string) *Error {
	return New(KindConfiguration, op, message)
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// KindHandler, the fail-safe bucket that never triggers a retry by itself.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindHandler
}

// Is reports whether the error chain contains the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// RetryableForRead reports whether a read operation should retry.
// Transport faults and read-side version races are both transient.
func RetryableForRead(err error) bool {
	switch KindOf(err) {
	case KindDatabase, KindConcurrency, KindTimeout:
		return true
	default:
		return false
	}
}

// RetryableForWrite reports whether a write operation should retry.
// Version conflicts are semantic on writes and must surface to the caller.
func RetryableForWrite(err error) bool {
	return KindOf(err) == KindDatabase
}
