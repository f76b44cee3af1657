package ledger

import "context"

// Store persists ledger entries
type Store interface {
	// Insert stores e unless its idempotency key exists, in which case the
	// stored entry is returned with inserted=false
	Insert(ctx context.Context, e *Entry) (stored *Entry, inserted bool, err error)

	// QueryBySubscriber returns matching entries ordered by occurred_at, then id
	QueryBySubscriber(ctx context.Context, subscriberID string, f Filter) ([]*Entry, error)

	// QueryByJob returns the entries of one job ordered by occurred_at, then id
	QueryByJob(ctx context.Context, jobID string) ([]*Entry, error)
}

// Sink receives copies of newly inserted entries for analytics
type Sink interface {
	Write(ctx context.Context, entries ...*Entry) error
}
