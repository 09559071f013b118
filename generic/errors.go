/*
errors.go - Centralized error types for the ledger and reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Invariant violations - recoverable by a resolution plan (see reconcile.ConflictError)
  2. Incomplete resolution - plan does not cover the deficit/surplus
  3. Concurrent modification - optimistic version check failed at commit
  4. Validation errors - malformed input, rejected synchronously
  5. Store errors - persistence failures (always roll back)

USAGE:
  if errors.Is(err, generic.ErrConcurrentModification) {
      var cm *generic.ConcurrentModificationError
      errors.As(err, &cm) // cm.Current holds the stored record
  }

SEE ALSO:
  - reconcile/errors.go: ConflictError wraps ErrInvariantViolation
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a write with the same
	// idempotency key was already applied. Expected for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStalePreview is returned when a commit references a preview whose
	// underlying records have changed since.
	ErrStalePreview = errors.New("preview is stale")

	// ErrRecordNotFound is returned when a referenced record doesn't exist
	// or has been deleted.
	ErrRecordNotFound = errors.New("record not found")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvariantViolation is returned when a mutation would break a ledger
	// invariant and needs a resolution plan.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrIncompleteResolution is returned when a resolution plan does not
	// cover the full deficit or surplus.
	ErrIncompleteResolution = errors.New("incomplete resolution")

	// ErrNothingToResolve is returned when a resolution plan is submitted but
	// the target no longer has a conflict (e.g. the plan was already applied).
	ErrNothingToResolve = errors.New("no conflict to resolve")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes malformed input. Nothing was changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid is a shorthand for building a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConcurrentModificationError reports that the stored record moved on since
// the caller last read it. Current holds the record as stored now so the
// caller can decide to use it, overwrite, or abandon.
type ConcurrentModificationError struct {
	RecordKind      string
	RecordID        string
	ExpectedVersion int64
	ActualVersion   int64
	Current         any
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s: expected version %d, stored version %d",
		e.RecordKind, e.RecordID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrentModificationError) Unwrap() error {
	return ErrConcurrentModification
}

// IncompleteResolutionError reports a plan that leaves part of the gap uncovered.
type IncompleteResolutionError struct {
	Gap       Amount
	Covered   Amount
	Uncovered Amount
	Reason    string
}

func (e *IncompleteResolutionError) Error() string {
	msg := fmt.Sprintf("resolution covers %s of %s, %s remains uncovered",
		e.Covered, e.Gap, e.Uncovered)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IncompleteResolutionError) Unwrap() error {
	return ErrIncompleteResolution
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrRecordNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStalePreview)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrIncompleteResolution) ||
		errors.Is(err, ErrNothingToResolve) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrAccountNotFound)
}
