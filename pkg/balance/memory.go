package balance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same compare-and-swap contract
// as PostgresStore
type MemoryStore struct {
	mu           sync.RWMutex
	balances     map[string]*Balance
	transactions map[string]*Transaction
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:     make(map[string]*Balance),
		transactions: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Get(ctx context.Context, subscriberID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[subscriberID]
	if !ok {
		return nil, ErrSubscriberNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) Create(ctx context.Context, b *Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.balances[b.SubscriberID]; ok {
		return ErrRevisionConflict
	}
	m.balances[b.SubscriberID] = b.Clone()
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.balances[u.Next.SubscriberID]
	if !ok {
		return ErrSubscriberNotFound
	}
	if current.Revision != u.Expected {
		return ErrRevisionConflict
	}
	if u.Record != nil {
		if _, exists := m.transactions[u.Record.IdempotencyKey]; exists {
			return ErrDuplicateTransaction
		}
	}
	var reversed *Transaction
	if u.ReverseKey != "" {
		txn, exists := m.transactions[u.ReverseKey]
		if !exists || txn.Reversed {
			return ErrRevisionConflict
		}
		reversed = txn
	}

	m.balances[u.Next.SubscriberID] = u.Next.Clone()
	if u.Record != nil {
		rec := *u.Record
		m.transactions[rec.IdempotencyKey] = &rec
	}
	if reversed != nil {
		now := u.Next.UpdatedAt
		reversed.Reversed = true
		reversed.ReversedAt = &now
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.transactions[idempotencyKey]
	if !ok {
		return nil, nil
	}
	c := *txn
	return &c, nil
}

func (m *MemoryStore) ListDueForReset(ctx context.Context, now time.Time, after string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []string
	for id, b := range m.balances {
		if id > after && !b.PeriodNextReset.After(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
