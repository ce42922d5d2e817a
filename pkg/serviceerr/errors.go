// Package serviceerr defines the error taxonomy shared by the runtime.
// Callers classify failures with errors.Is against the sentinels or with
// the Kind helper; transports map kinds onto their own status codes.
package serviceerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a queried entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned on unique-constraint or version collisions.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput is returned when input violates an invariant.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConnection is returned on transient backend failures; retryable.
	ErrConnection = errors.New("backend connection failure")

	// ErrConstraintViolation is returned when a generated response fails a
	// hard constraint and no remediation produced a passing response.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrTimeout is returned when a soft budget or deadline expired.
	ErrTimeout = errors.New("timeout")

	// ErrFatalConfig is returned when a required dependency is
	// misconfigured. Not retryable.
	ErrFatalConfig = errors.New("fatal configuration error")
)

// Kind names an error category for logging and transport mapping.
type Kind string

// Error kinds.
const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindValidation          Kind = "validation"
	KindConnection          Kind = "connection"
	KindConstraintViolation Kind = "constraint_violation"
	KindTimeout             Kind = "timeout"
	KindFatalConfig         Kind = "fatal_config"
	KindUnknown             Kind = "unknown"
)

// KindOf classifies an error. Context deadline errors count as timeouts.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidInput), IsValidationError(err):
		return KindValidation
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrConstraintViolation):
		return KindConstraintViolation
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrFatalConfig):
		return KindFatalConfig
	default:
		return KindUnknown
	}
}

// Retryable reports whether the error kind is transient.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindConnection || k == KindTimeout
}

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
