package plans

import (
	"context"
	"sync"
)

// MemoryAssignments is an in-process Assignments store
type MemoryAssignments struct {
	mu   sync.RWMutex
	byID map[string]Assignment
}

// NewMemoryAssignments creates an empty store
func NewMemoryAssignments() *MemoryAssignments {
	return &MemoryAssignments{byID: make(map[string]Assignment)}
}

func (m *MemoryAssignments) Get(ctx context.Context, subscriberID string) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[subscriberID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryAssignments) Put(ctx context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[a.SubscriberID] = *a
	return nil
}
