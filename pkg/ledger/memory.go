package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node deployments
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	byKey   map[string]*Entry
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*Entry)}
}

func (m *MemoryStore) Insert(ctx context.Context, e *Entry) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[e.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	m.byKey[e.IdempotencyKey] = &cp
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) QueryBySubscriber(ctx context.Context, subscriberID string, f Filter) ([]*Entry, error) {
	return m.collect(func(e *Entry) bool {
		return e.SubscriberID == subscriberID && f.matches(e)
	}), nil
}

func (m *MemoryStore) QueryByJob(ctx context.Context, jobID string) ([]*Entry, error) {
	return m.collect(func(e *Entry) bool { return e.JobID == jobID }), nil
}

// Len returns the number of stored entries
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) collect(keep func(*Entry) bool) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Entry{}
	for _, e := range m.entries {
		if keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].OccurredAt.Equal(entries[j].OccurredAt) {
			return entries[i].OccurredAt.Before(entries[j].OccurredAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
