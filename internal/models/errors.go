package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, the admission controller and the API.
var (
	ErrValidation        = errors.New("validation failed")
	ErrQuotaExceeded     = errors.New("pending job quota exceeded")
	ErrInvalidFormat     = errors.New("invalid structure file format")
	ErrNotFound          = errors.New("not found")
	ErrNoPendingJob      = errors.New("no pending job")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrComputeFailure    = errors.New("compute engine failed")
	ErrOutputContract    = errors.New("compute engine produced no usable result")
)

// ValidationError describes a rejected submission field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
