// Package services is the thin application layer between the HTTP handlers
// and the orchestrator/store: request validation, error classification, and
// read-side composition.
package services

import (
	"errors"
	"fmt"

	"github.com/agentbus/agentbus/pkg/store"
)

// ValidationError wraps field-specific validation errors. The API maps it to
// 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether the error maps to 404.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// IsConflict reports whether the error maps to 409.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrAlreadyClaimed)
}

// IsUnavailable reports whether the error maps to 503 with Retry-After.
func IsUnavailable(err error) bool {
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrQuotaExhausted)
}
