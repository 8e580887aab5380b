package storage

import (
	"context"
	"errors"

	"github.com/coinward/ipn/internal/domain"
)

// ErrNotFound indicates no transaction exists for the given invoice id.
var ErrNotFound = errors.New("transaction not found")

// Store is the persistence contract for transaction records, keyed by
// provider invoice id. It knows nothing about the status state machine;
// enforcing transitions is the reconciler's responsibility.
type Store interface {
	// Load fetches the record for an invoice id by exact match.
	Load(ctx context.Context, invoiceID string) (domain.Transaction, error)

	// Save upserts the record keyed by its invoice id.
	Save(ctx context.Context, tx domain.Transaction) error

	// Update runs fn against the current record inside a per-key critical
	// section and persists the mutated record when fn returns true. Two
	// concurrent updates for the same invoice id never interleave.
	Update(ctx context.Context, invoiceID string, fn UpdateFunc) (domain.Transaction, error)

	// ListNonTerminal returns every record that can still transition,
	// feeding the poll-based reconciliation path.
	ListNonTerminal(ctx context.Context) ([]domain.Transaction, error)
}

// UpdateFunc mutates a record in place. Returning false skips the write
// while still releasing the critical section; a non-nil error aborts the
// update and is returned to the caller verbatim.
type UpdateFunc func(tx *domain.Transaction) (persist bool, err error)
