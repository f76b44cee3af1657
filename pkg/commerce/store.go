package commerce

import (
	"context"
	"time"
)

// StatusChange is a conditional receipt status update
type StatusChange struct {
	ReceiptID string
	From      ReceiptStatus
	To        ReceiptStatus
	Reason    string
	At        time.Time
}

// ReceiptStore persists receipts
type ReceiptStore interface {
	// Insert stores r unless its idempotency key exists, in which case the
	// stored receipt is returned with inserted=false
	Insert(ctx context.Context, r *Receipt) (stored *Receipt, inserted bool, err error)

	// Get returns nil, nil when the receipt does not exist
	Get(ctx context.Context, id string) (*Receipt, error)

	// GetByKey returns nil, nil when no receipt has the key
	GetByKey(ctx context.Context, idempotencyKey string) (*Receipt, error)

	// ListBySubscriber returns receipts newest first
	ListBySubscriber(ctx context.Context, subscriberID string, limit int) ([]*Receipt, error)

	// Transition applies the change only if the receipt is in From and
	// reports whether it did
	Transition(ctx context.Context, change StatusChange) (bool, error)
}
