package commerce

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/tollbooth/pkg/balance"
)

var (
	// ErrValidation is returned for malformed requests and unknown packages.
	// Nothing has been mutated when it is returned.
	ErrValidation = errors.New("invalid request")

	// ErrPersistence is returned when a write failed. If a charge had
	// already been taken it was reversed first.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidTransition is returned when a receipt is not in a state that
	// allows the operation
	ErrInvalidTransition = errors.New("invalid receipt transition")

	// ErrReceiptNotFound is returned when a receipt id is unknown
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrIdempotencyKeyReuse is returned when a key is replayed for a
	// different subscriber or basket
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused for a different request")
)

// CheckoutError is a terminal business failure with the balance at the time
// of the decision, so clients can explain the shortfall
type CheckoutError struct {
	Reason  balance.Reason
	Balance *balance.Balance
	err     error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout rejected: %s", e.Reason)
}

// Unwrap exposes the balance failure for errors.Is
func (e *CheckoutError) Unwrap() error {
	return e.err
}

func newCheckoutError(chargeErr *balance.ChargeError) *CheckoutError {
	return &CheckoutError{Reason: chargeErr.Reason, Balance: chargeErr.Balance, err: chargeErr}
}

// NewValidationError creates a validation error naming the offending field
func NewValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, msg)
}

// IsValidationError checks if the error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsPersistenceError checks if the error is or wraps ErrPersistence
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence)
}

func persistenceError(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, step, err)
}
