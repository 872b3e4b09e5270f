/*
errors.go - Error taxonomy for the dues engine

PURPOSE:
  All error types in one place. Every failure an operation can surface maps
  to exactly one ErrorKind, which the Result envelope and the HTTP layer use.

ERROR CATEGORIES:
  1. ValidationError  - Malformed input, rejected before any write
  2. ConflictError    - Uniqueness invariant violated, names the existing record
  3. ImmutablePeriod  - Edit attempted outside the current/next month window
  4. PlanHasCharges   - Delete attempted on a plan with derived charges
  5. PlanCancelled    - Propagation attempted on a cancelled plan
  6. NotFound         - Referenced entity absent
  7. Unauthorized     - Actor lacks permission, checked before domain logic
  8. Transient        - Store-level conflict, retried once by the engine

USAGE:
  if errors.Is(err, dues.ErrConflict) {
      var c *dues.ConflictError
      errors.As(err, &c) // c.ExistingID names the conflicting record
  }

SEE ALSO:
  - result.go: Result envelope built from these errors
  - engine.go: Transient retry policy
*/
package dues

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
	ErrImmutablePeriod = errors.New("period is no longer editable")
	ErrPlanHasCharges  = errors.New("plan has charges")
	ErrPlanCancelled   = errors.New("plan is cancelled")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTransient       = errors.New("transient storage error")

	// ErrDuplicate is returned by stores when a unique constraint rejects a write.
	ErrDuplicate = fmt.Errorf("%w: duplicate key", ErrConflict)

	// ErrConcurrentModification is returned by stores when a transaction lost a race.
	ErrConcurrentModification = fmt.Errorf("%w: concurrent modification", ErrTransient)
)

// =============================================================================
// ERROR KIND - Stable classification exposed to callers
// =============================================================================

type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindValidation     ErrorKind = "validation"
	KindConflict       ErrorKind = "conflict"
	KindImmutable      ErrorKind = "immutable_period"
	KindPlanHasCharges ErrorKind = "plan_has_charges"
	KindPlanCancelled  ErrorKind = "plan_cancelled"
	KindNotFound       ErrorKind = "not_found"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindTransient      ErrorKind = "transient"
	KindInternal       ErrorKind = "internal"
)

// KindOf classifies err. A nil error has KindNone.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrImmutablePeriod):
		return KindImmutable
	case errors.Is(err, ErrPlanHasCharges):
		return KindPlanHasCharges
	case errors.Is(err, ErrPlanCancelled):
		return KindPlanCancelled
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError names the record that blocks the write.
type ConflictError struct {
	Entity     string
	ExistingID string
	Message    string
}

func (e *ConflictError) Error() string { return e.Message }
func (e *ConflictError) Unwrap() error { return ErrConflict }

type ImmutablePeriodError struct {
	PlanID PlanID
	Period Period
}

func (e *ImmutablePeriodError) Error() string {
	return fmt.Sprintf("plan %s belongs to period %s which is no longer editable", e.PlanID, e.Period)
}

func (e *ImmutablePeriodError) Unwrap() error { return ErrImmutablePeriod }

type PlanHasChargesError struct {
	PlanID PlanID
	Count  int
}

func (e *PlanHasChargesError) Error() string {
	return fmt.Sprintf("plan %s has %d member charges", e.PlanID, e.Count)
}

func (e *PlanHasChargesError) Unwrap() error { return ErrPlanHasCharges }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

type UnauthorizedError struct {
	ActorID   MemberID
	Operation string
}

func (e *UnauthorizedError) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("%s requires an authenticated administrator", e.Operation)
	}
	return fmt.Sprintf("actor %s is not allowed to perform %s", e.ActorID, e.Operation)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// MemberFailure records one member's failure inside a batch sweep.
type MemberFailure struct {
	MemberID MemberID `json:"memberId"`
	Reason   string   `json:"reason"`
}

// PlanFailure records one plan's failure inside a batch sweep.
type PlanFailure struct {
	PlanID PlanID `json:"planId"`
	Reason string `json:"reason"`
}
