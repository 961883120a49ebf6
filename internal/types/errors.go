package types

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
// Validation, not-found and cycle errors are returned to the immediate
// caller. Timeout and conflict errors are absorbed internally with fallback
// behavior. Only exhausted-retry storage failures escalate to pausing
// autonomous execution.

// ValidationError reports bad evidence or input. The offending call is
// rejected with no state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown entity id. Not fatal.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// CycleError reports a hard-prerequisite insertion that would create a cycle.
// The edge is dropped and the caller is informed.
type CycleError struct {
	Concept      string
	Prerequisite string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("hard prerequisite %s -> %s rejected: would create a cycle", e.Prerequisite, e.Concept)
}

// TimeoutError reports a slow external generator or store. Triggers the
// fallback path; the cycle continues.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Elapsed)
}

// StorageError reports persistence unavailable beyond the retry budget.
// The session's thought loop pauses itself and surfaces degraded mode;
// in-memory operation continues.
type StorageError struct {
	Op      string
	Retries int
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s after %d retries: %v", e.Op, e.Retries, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCycleRejected reports whether err is a CycleError.
func IsCycleRejected(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsFatalStorage reports whether err is a StorageError.
func IsFatalStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
