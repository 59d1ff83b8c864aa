package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError reports malformed or out-of-range input. The caller's
// fault; retrying the same request cannot succeed.
type ValidationError struct {
	Field     string
	LineIndex int // -1 when the error is not tied to a line item
	Message   string
}

func (e *ValidationError) Error() string {
	if e.LineIndex >= 0 {
		return fmt.Sprintf("line %d: %s: %s", e.LineIndex, e.Field, e.Message)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, LineIndex: -1, Message: message}
}

func newLineValidationError(line int, field, message string) *ValidationError {
	return &ValidationError{Field: field, LineIndex: line, Message: message}
}

// ConflictError reports valid input that violates a current-state invariant,
// such as a balance overdraw or a disallowed status transition. The caller
// must re-fetch state before retrying.
type ConflictError struct {
	Message   string
	Remaining *decimal.Decimal // set for balance overdraws
}

func (e *ConflictError) Error() string {
	if e.Remaining != nil {
		return fmt.Sprintf("%s (remaining %s)", e.Message, e.Remaining.StringFixed(2))
	}
	return e.Message
}

func newConflictError(message string) *ConflictError {
	return &ConflictError{Message: message}
}

func newOverdrawError(remaining decimal.Decimal) *ConflictError {
	return &ConflictError{Message: "amount exceeds remaining balance", Remaining: &remaining}
}

// NotFoundError reports a referenced entity that is absent or already
// removed.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func newNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// PersistenceError wraps a storage layer failure. The caller may retry with
// backoff.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func newPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}
