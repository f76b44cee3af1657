package balance

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed requests before any mutation
	ErrValidation = errors.New("invalid balance request")

	// ErrInsufficientBalance is returned when the included bucket cannot cover
	// the charge and no overage applies
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOnDemandDisabled is returned when the charge would spill into
	// on-demand but the caller or plan forbids overage
	ErrOnDemandDisabled = errors.New("on-demand charging disabled")

	// ErrOnDemandCapExceeded is returned when the overage would pass the cap
	ErrOnDemandCapExceeded = errors.New("on-demand cap exceeded")

	// ErrSubscriberNotFound is returned when no balance exists for the subscriber
	ErrSubscriberNotFound = errors.New("subscriber not found")

	// ErrIdempotencyKeyReuse is returned when a key is replayed with different arguments
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with different request")

	// ErrChargeReversed is returned when replaying a key whose charge was compensated
	ErrChargeReversed = errors.New("charge was reversed")

	// ErrTransactionNotFound is returned when no charge is recorded for a key
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrConcurrentModification is returned when the compare-and-swap retry
	// budget is exhausted
	ErrConcurrentModification = errors.New("balance modified concurrently")

	// ErrRevisionConflict is returned by a Store when the expected revision no
	// longer matches
	ErrRevisionConflict = errors.New("balance revision conflict")

	// ErrDuplicateTransaction is returned by a Store when the transaction key
	// already exists
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// Reason is a stable, user-facing code for a terminal charge failure
type Reason string

const (
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonOnDemandDisabled    Reason = "on_demand_disabled"
	ReasonOnDemandCapExceeded Reason = "on_demand_cap_exceeded"
	ReasonSubscriberNotFound  Reason = "subscriber_not_found"
)

// ChargeError is a terminal business failure. It is never retried.
type ChargeError struct {
	Reason       Reason
	SubscriberID string
	Balance      *Balance
}

func (e *ChargeError) Error() string {
	return fmt.Sprintf("charge failed for %s: %s", e.SubscriberID, e.Reason)
}

// Unwrap maps the reason to its sentinel so errors.Is works on both
func (e *ChargeError) Unwrap() error {
	switch e.Reason {
	case ReasonInsufficientBalance:
		return ErrInsufficientBalance
	case ReasonOnDemandDisabled:
		return ErrOnDemandDisabled
	case ReasonOnDemandCapExceeded:
		return ErrOnDemandCapExceeded
	case ReasonSubscriberNotFound:
		return ErrSubscriberNotFound
	}
	return nil
}

func newChargeError(reason Reason, subscriberID string, bal *Balance) *ChargeError {
	e := &ChargeError{Reason: reason, SubscriberID: subscriberID}
	if bal != nil {
		e.Balance = bal.Clone()
	}
	return e
}

// IsBusinessFailure reports whether err is a terminal charge failure
func IsBusinessFailure(err error) bool {
	var chargeErr *ChargeError
	return errors.As(err, &chargeErr)
}

// IsValidationError checks if the error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// NewValidationError creates a validation error naming the offending field
func NewValidationError(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, msg)
}
