package domain

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects a malformed submission. It is never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DuplicateJobError is returned when a non-terminal job with the same id exists.
type DuplicateJobError struct {
	JobID JobID
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %s already exists and is not finished", e.JobID)
}

// ResourceExhaustedError is returned when the host is under critical pressure.
type ResourceExhaustedError struct {
	Level    PressureLevel
	Snapshot ResourceSnapshot
}

func (e *ResourceExhaustedError) Error() string {
	return "system resources are critically low"
}

// QueueFullError is returned when the pending queue is at capacity.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("generation queue is full (capacity %d)", e.Capacity)
}

// CircuitOpenError is returned while the breaker sheds new work.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("generation pipeline unavailable, circuit open (retry after %s)", e.RetryAfter.Round(time.Second))
}

// ExecutionError wraps a work unit failure.
type ExecutionError struct {
	JobID JobID
	Unit  string
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
	}
	return fmt.Sprintf("job %s unit %s: %v", e.JobID, e.Unit, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// RetryLimitExceededError is surfaced when recovery is attempted on a job
// that has spent its retries.
type RetryLimitExceededError struct {
	JobID      JobID
	RetryCount int
	MaxRetries int
}

func (e *RetryLimitExceededError) Error() string {
	return fmt.Sprintf("job %s exceeded max retries (%d/%d)", e.JobID, e.RetryCount, e.MaxRetries)
}

// NonRetryableError marks a failure that retrying cannot fix, such as
// missing input assets.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so the retry policy sends the job straight to error.
func NonRetryable(err error) error {
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err carries a NonRetryableError.
func IsNonRetryable(err error) bool {
	var nr *NonRetryableError
	return errors.As(err, &nr)
}

// ErrMissingInput is returned by renderers when a model or material asset does not exist.
var ErrMissingInput = errors.New("missing required input")
