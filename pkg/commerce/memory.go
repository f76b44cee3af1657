package commerce

import (
	"context"
	"sort"
	"sync"
)

// MemoryReceiptStore is an in-process ReceiptStore
type MemoryReceiptStore struct {
	mu    sync.RWMutex
	byID  map[string]*Receipt
	byKey map[string]string
}

// NewMemoryReceiptStore creates an empty store
func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{
		byID:  make(map[string]*Receipt),
		byKey: make(map[string]string),
	}
}

func (m *MemoryReceiptStore) Insert(ctx context.Context, r *Receipt) (*Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[r.IdempotencyKey]; ok {
		return m.byID[id].clone(), false, nil
	}
	m.byID[r.ID] = r.clone()
	m.byKey[r.IdempotencyKey] = r.ID
	return r.clone(), true, nil
}

func (m *MemoryReceiptStore) Get(ctx context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return r.clone(), nil
}

func (m *MemoryReceiptStore) GetByKey(ctx context.Context, idempotencyKey string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[idempotencyKey]
	if !ok {
		return nil, nil
	}
	return m.byID[id].clone(), nil
}

func (m *MemoryReceiptStore) ListBySubscriber(ctx context.Context, subscriberID string, limit int) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Receipt{}
	for _, r := range m.byID {
		if r.SubscriberID == subscriberID {
			out = append(out, r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryReceiptStore) Transition(ctx context.Context, change StatusChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.byID[change.ReceiptID]
	if !ok || r.Status != change.From {
		return false, nil
	}
	applyChange(r, change)
	return true, nil
}

// Len returns the number of stored receipts
func (m *MemoryReceiptStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func applyChange(r *Receipt, change StatusChange) {
	r.Status = change.To
	r.UpdatedAt = change.At
	switch change.To {
	case ReceiptFailed:
		r.FailureReason = change.Reason
	case ReceiptRefunded:
		r.RefundReason = change.Reason
		at := change.At
		r.RefundedAt = &at
	case ReceiptCompleted:
		r.RefundReason = ""
		r.RefundedAt = nil
	}
}
