package task

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed submission or registration.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a task id is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyRecorded is returned when a ledger already holds the task.
	ErrAlreadyRecorded = errors.New("task already recorded")
	// ErrNotTerminal is returned when a non-terminal task is appended to a ledger.
	ErrNotTerminal = errors.New("task is not terminal")
	// ErrTerminal is returned when an operation needs a live task.
	ErrTerminal = errors.New("task already terminal")
	// ErrDuplicate is returned when a queue already holds the task.
	ErrDuplicate = errors.New("task already queued")
)

// ValidationError describes a rejected field. It matches ErrValidation with
// errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

// Invalid returns a ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }
