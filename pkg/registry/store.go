package registry

import "context"

// Store persists registry records
type Store interface {
	// Insert adds a new record. Returns ErrAlreadyExists if (id, version) is taken.
	Insert(ctx context.Context, r *Record) error

	// Get returns the record for (id, version), active or not, or nil if missing
	Get(ctx context.Context, id, version string) (*Record, error)

	// ListActive returns every active version of id
	ListActive(ctx context.Context, id string) ([]*Record, error)

	// Search returns active records matching q, name matches first when q has
	// query text, then by download count descending, capped at q.Limit
	Search(ctx context.Context, q SearchQuery) ([]*Record, error)

	// SetActive flips the active flag. Returns ErrNotFound if missing.
	SetActive(ctx context.Context, id, version string, active bool) error

	// IncrementDownloads bumps the popularity counter
	IncrementDownloads(ctx context.Context, id, version string) error
}
