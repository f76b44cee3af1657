package balance

import (
	"context"
	"time"
)

// Update is one atomic balance write. Next replaces the stored balance only if
// the stored revision still equals Expected. Record and ReverseKey, when set,
// are applied in the same atomic step.
type Update struct {
	Expected   int64
	Next       *Balance
	Record     *Transaction
	ReverseKey string
}

// Store persists balances and charge transactions
type Store interface {
	// Get returns the stored balance or ErrSubscriberNotFound
	Get(ctx context.Context, subscriberID string) (*Balance, error)

	// Create inserts a new balance. Returns ErrRevisionConflict if one exists.
	Create(ctx context.Context, b *Balance) error

	// CompareAndSwap applies u or returns ErrRevisionConflict. A Record whose
	// key already exists yields ErrDuplicateTransaction and nothing is written.
	CompareAndSwap(ctx context.Context, u Update) error

	// GetTransaction returns the transaction for key, or nil if none exists
	GetTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error)

	// ListDueForReset returns subscribers whose period_next_reset <= now,
	// ordered by id and starting after the id after
	ListDueForReset(ctx context.Context, now time.Time, after string, limit int) ([]string, error)
}
