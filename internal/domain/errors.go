// Package domain provides shared domain-level sentinel errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates malformed constructor or method arguments.
// It is surfaced synchronously and never retried.
var ErrValidation = errors.New("validation error")

// ErrInvalidStateTransition indicates an operation was attempted from a
// state that does not permit it.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ErrClassificationUnavailable indicates the classifier failed after the
// retry budget was exhausted.
var ErrClassificationUnavailable = errors.New("ClassificationUnavailable")

// ErrExecutionFailure indicates a strategy could not produce an acceptable result.
var ErrExecutionFailure = errors.New("execution failure")

// ErrTransientProvider marks network/timeout/overload errors from an
// inference provider or other remote collaborator. Only errors wrapping
// it are retried.
var ErrTransientProvider = errors.New("transient provider error")

// ValidationError names the offending field of a rejected argument.
type ValidationError struct {
	Field string
	Msg   string
}

// NewValidationError returns a *ValidationError for field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Msg)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError records which operation was refused and from which state.
type TransitionError struct {
	Entity string
	Op     string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s %s not allowed from %q", ErrInvalidStateTransition, e.Entity, e.Op, e.From)
}

// Unwrap lets errors.Is match ErrInvalidStateTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// IsContractViolation reports whether err is a ValidationError or
// InvalidStateTransition, i.e. a caller bug that must not be retried.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidStateTransition)
}
