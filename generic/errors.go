/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context; callers
  classify with errors.Is against the sentinels.

ERROR CATEGORIES:
  1. Validation errors - malformed input, nothing was written
  2. State errors - business rule violations (balance, reversal, cashback)
  3. Concurrency errors - lost races, retried by the service
  4. Upstream errors - collaborator failures, the transaction rolled back

USAGE:
  if errors.Is(err, generic.ErrInsufficientBalance) {
      var ib *generic.InsufficientBalanceError
      errors.As(err, &ib)
      ...
  }

SEE ALSO:
  - service.go: Produces most of these errors
  - cashback/processor.go: AlreadyProcessed / NotProcessed / NotEligible
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. Nothing was written.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is a validation error for zero, negative or
	// fractional amounts where they are not allowed.
	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrValidation)

	// ErrInsufficientBalance is returned when a decrease exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyProcessed is returned when a cashback record already exists
	// for the (owner, period) pair.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrNotReversible is returned when a movement was already reversed or
	// is itself a reversal.
	ErrNotReversible = errors.New("movement not reversible")

	// ErrNotProcessed is returned when reversing a cashback record that is
	// not in the processed state.
	ErrNotProcessed = errors.New("not processed")

	// ErrNotEligible is returned when cashback cannot be paid to an owner.
	ErrNotEligible = errors.New("not eligible")

	// ErrConflict is returned when a concurrent writer won the race.
	// The service retries these a bounded number of times.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrUpstreamFailure is returned when a collaborator failed.
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrMovementNotFound is returned when a referenced movement doesn't exist.
	ErrMovementNotFound = errors.New("movement not found")

	// ErrOwnerNotFound is returned when the owner directory doesn't know the owner.
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrRecordNotFound is returned when a cashback record doesn't exist.
	ErrRecordNotFound = errors.New("cashback record not found")

	// ErrDuplicateIdempotencyKey is returned when a movement with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // ErrValidation or ErrInvalidAmount
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrValidation
	}
	return e.Err
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func invalidAmount(reason string) error {
	return &ValidationError{Field: "amount", Reason: reason, Err: ErrInvalidAmount}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	OwnerID   OwnerID
	Resource  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: available %s, requested %s, shortfall %s",
		e.OwnerID, e.Resource, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// StateError reports a rule violation on an existing movement or record.
// Kind is one of the sentinels above.
type StateError struct {
	Kind       error
	OwnerID    OwnerID
	Resource   string
	Period     int
	MovementID MovementID
	RecordID   string
	Reason     string
}

func (e *StateError) Error() string {
	var parts []string
	if e.OwnerID != "" {
		parts = append(parts, "owner="+string(e.OwnerID))
	}
	if e.Resource != "" {
		parts = append(parts, "resource="+e.Resource)
	}
	if e.Period != 0 {
		parts = append(parts, fmt.Sprintf("period=%d", e.Period))
	}
	if e.MovementID != 0 {
		parts = append(parts, fmt.Sprintf("movement=%d", e.MovementID))
	}
	if e.RecordID != "" {
		parts = append(parts, "record="+e.RecordID)
	}
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(parts) > 0 {
		msg += " (" + strings.Join(parts, " ") + ")"
	}
	return msg
}

func (e *StateError) Unwrap() error {
	return e.Kind
}

// UpstreamError wraps a collaborator failure.
type UpstreamError struct {
	Collaborator string // e.g. "orders", "catalog", "purchase_history"
	OwnerID      OwnerID
	Err          error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed for %s: %v", e.Collaborator, e.OwnerID, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamFailure, e.Err}
}

// Upstream wraps err as an UpstreamError unless it already is one.
func Upstream(collaborator string, owner OwnerID, err error) error {
	if err == nil || errors.Is(err, ErrUpstreamFailure) {
		return err
	}
	return &UpstreamError{Collaborator: collaborator, OwnerID: owner, Err: err}
}

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
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrNotReversible) ||
		errors.Is(err, ErrNotProcessed) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMovementNotFound) ||
		errors.Is(err, ErrOwnerNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// KindOf returns a stable machine-readable name for the error category.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ErrNotReversible):
		return "not_reversible"
	case errors.Is(err, ErrNotProcessed):
		return "not_processed"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstreamFailure):
		return "upstream_failure"
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return "duplicate"
	case IsNotFound(err):
		return "not_found"
	}
	return "internal"
}
