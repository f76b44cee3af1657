package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Insert(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.Key()
	if _, ok := m.records[key]; ok {
		return NewAlreadyExistsError(r.ID, r.Version)
	}
	m.records[key] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id, version string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[recordKey(id, version)]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListActive(ctx context.Context, id string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.ID == id && r.Active {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Search(ctx context.Context, q SearchQuery) ([]*Record, error) {
	m.mu.RLock()
	var out []*Record
	for _, r := range m.records {
		if q.matches(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	sortSearchResults(out, q.Query)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SetActive(ctx context.Context, id, version string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordKey(id, version)]
	if !ok {
		return NewNotFoundError(id, version)
	}
	r.Active = active
	if active {
		r.DeactivatedAt = nil
	} else if r.DeactivatedAt == nil {
		now := m.now()
		r.DeactivatedAt = &now
	}
	return nil
}

func (m *MemoryStore) IncrementDownloads(ctx context.Context, id, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordKey(id, version)]
	if !ok {
		return NewNotFoundError(id, version)
	}
	r.DownloadCount++
	return nil
}
