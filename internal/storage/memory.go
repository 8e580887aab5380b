package storage

import (
	"context"
	"sync"
	"time"

	"github.com/coinward/ipn/internal/domain"
)

// MemoryStore is an in-memory Store used for unit tests and local
// development without a database. A single mutex covers all keys, which is
// a stricter critical section than the Postgres row lock but behaviourally
// equivalent for callers.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]domain.Transaction
	nowFn func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]domain.Transaction),
		nowFn: time.Now,
	}
}

// WithClock overrides the time provider (used in tests).
func (s *MemoryStore) WithClock(nowFn func() time.Time) *MemoryStore {
	if nowFn != nil {
		s.nowFn = nowFn
	}
	return s
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, invoiceID string) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.items[invoiceID]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	return cloneTransaction(tx), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if existing, ok := s.items[tx.InvoiceID]; ok {
		tx.CreatedAt = existing.CreatedAt
	} else if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	s.items[tx.InvoiceID] = cloneTransaction(tx)
	return nil
}

// Update implements Store. The store-wide mutex is held for the duration of
// fn, giving the same serialisation guarantee as the database row lock.
func (s *MemoryStore) Update(_ context.Context, invoiceID string, fn UpdateFunc) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[invoiceID]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}

	tx := cloneTransaction(current)
	persist, err := fn(&tx)
	if err != nil {
		return domain.Transaction{}, err
	}
	if persist {
		tx.UpdatedAt = s.nowFn()
		s.items[invoiceID] = cloneTransaction(tx)
	}
	return tx, nil
}

// ListNonTerminal implements Store.
func (s *MemoryStore) ListNonTerminal(_ context.Context) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var txs []domain.Transaction
	for _, tx := range s.items {
		if !tx.Status.Terminal() {
			txs = append(txs, cloneTransaction(tx))
		}
	}
	return txs, nil
}

func cloneTransaction(tx domain.Transaction) domain.Transaction {
	out := tx
	if tx.LastPayload != nil {
		out.LastPayload = make([]byte, len(tx.LastPayload))
		copy(out.LastPayload, tx.LastPayload)
	}
	return out
}
