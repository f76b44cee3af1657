package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when an entry is malformed
	ErrValidation = errors.New("invalid ledger entry")

	// ErrIdempotencyKeyReuse is returned when a key already recorded a
	// different event
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused for a different event")
)

// NewValidationError creates a validation error naming the offending field
func NewValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, msg)
}

// IsValidationError checks if the error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}
