/*
errors.go - Error taxonomy of the ledger

ERROR CATEGORIES:
  1. ValidationError             - malformed or out-of-range input
  2. InsufficientStockError      - quantity exceeds available stock
  3. InvalidStateTransitionError - aggregate not in the required state
  4. NotFoundError               - unknown base, equipment type or aggregate
  5. ConflictError               - log moved underneath us, retry
  6. OutOfScopeError             - principal not permitted on a base

Every structured error unwraps to a sentinel so callers can use errors.Is.
Only ConflictError is retryable; all others are permanent for the input.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrOutOfScope             = errors.New("outside permitted scope")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientStockError reports a shortage at validation time.
type InsufficientStockError struct {
	Key       StockKey
	Available int64
	Requested int64
	// AsOf is set when the shortage is historical (a back-dated deduction
	// would push the balance negative on that day).
	AsOf Date
}

func (e *InsufficientStockError) Error() string {
	if !e.AsOf.IsZero() {
		return fmt.Sprintf("insufficient stock at %s on %s: available %d, requested %d",
			e.Key, e.AsOf, e.Available, e.Requested)
	}
	return fmt.Sprintf("insufficient stock at %s: available %d, requested %d",
		e.Key, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type InvalidStateTransitionError struct {
	Aggregate string // "transfer" or "assignment"
	ID        string
	From      string
	To        string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Aggregate, e.ID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

type NotFoundError struct {
	Kind string // "base", "equipment type", "transfer", "assignment"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError means the log changed between validation and commit.
type ConflictError struct {
	Reason string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict: %s: %v", e.Reason, e.Err)
	}
	return "conflict: " + e.Reason
}

func (e *ConflictError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConflict, e.Err}
	}
	return []error{ErrConflict}
}

type OutOfScopeError struct {
	Principal string
	Base      BaseID
}

func (e *OutOfScopeError) Error() string {
	return fmt.Sprintf("principal %q may not act on base %q", e.Principal, e.Base)
}

func (e *OutOfScopeError) Unwrap() error { return ErrOutOfScope }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrOutOfScope)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
