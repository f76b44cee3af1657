package subscriptions

import (
	"context"
	"sync"
	"time"
)

// MemoryEventStore is an in-process EventStore
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]EventRecord
}

// NewMemoryEventStore creates an empty store
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]EventRecord)}
}

func (m *MemoryEventStore) Claim(ctx context.Context, rec *EventRecord, staleBefore time.Time) (*EventRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[rec.EventID]; ok {
		if existing.Completed() || !existing.ClaimedAt.Before(staleBefore) {
			return &existing, false, nil
		}
	}
	m.events[rec.EventID] = *rec
	return nil, true, nil
}

func (m *MemoryEventStore) Complete(ctx context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[rec.EventID] = *rec
	return nil
}

func (m *MemoryEventStore) Release(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[eventID]; ok && !existing.Completed() {
		delete(m.events, eventID)
	}
	return nil
}
