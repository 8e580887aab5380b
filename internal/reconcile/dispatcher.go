package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/coinward/ipn/internal/domain"
	"github.com/coinward/ipn/internal/storage"
)

// ErrDispatchFailed wraps failures of the external completion collaborator.
// The transaction stays non-terminal so a provider redelivery re-attempts
// the dispatch.
var ErrDispatchFailed = errors.New("completion dispatch failed")

// CompletionRequest is handed to the host system's completion collaborator
// exactly once per invoice.
type CompletionRequest struct {
	InvoiceID      string
	ContributionID string
	Kind           domain.Kind
	Amount         decimal.Decimal
	ContextIDs     domain.ContextIDs
}

// Completer finalises payment in the host financial system. It is the
// irreversible boundary of the pipeline.
type Completer interface {
	CompletePayment(ctx context.Context, req CompletionRequest) error
}

// Dispatcher owns the one-way transition to complete. The transition and
// the completion side effect run inside the store's per-key critical
// section: the terminal re-check under that lock is what makes the side
// effect fire at most once per invoice, regardless of how many concurrent
// notifications passed validation.
type Dispatcher struct {
	store     storage.Store
	completer Completer
	logger    *slog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store storage.Store, completer Completer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		completer: completer,
		logger:    logger,
	}
}

// Complete marks the transaction complete and invokes the completion
// collaborator. If the record is already terminal the call is a NoOp. If
// the collaborator fails, no status is persisted and the error is
// retryable: the next delivery for this invoice re-attempts the dispatch.
func (d *Dispatcher) Complete(ctx context.Context, n domain.Notification, contextIDs domain.ContextIDs) (Decision, error) {
	decision := DecisionCompleted

	_, err := d.store.Update(ctx, n.InvoiceID, func(tx *domain.Transaction) (bool, error) {
		tx.LastPayload = n.Raw

		// Re-check immediately before dispatch: a concurrent delivery may
		// have finalised the record between the reconciler's decision and
		// this critical section.
		if !domain.CanTransition(tx.Status, domain.StatusComplete) {
			decision = DecisionNoOp
			return true, nil
		}

		req := CompletionRequest{
			InvoiceID:      tx.InvoiceID,
			ContributionID: tx.ContributionID,
			Kind:           tx.Kind,
			Amount:         tx.Amount,
			ContextIDs:     contextIDs,
		}
		if err := d.completer.CompletePayment(ctx, req); err != nil {
			return false, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}

		tx.Status = domain.StatusComplete
		tx.ContextIDs = contextIDs
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrDispatchFailed) {
			d.logger.Error("completion dispatch failed",
				"invoiceId", n.InvoiceID,
				"deliveryId", n.DeliveryID.String(),
				"error", err,
			)
		}
		return "", err
	}

	if decision == DecisionNoOp {
		d.logger.Info("transaction already finalised, dispatch skipped",
			"invoiceId", n.InvoiceID,
			"deliveryId", n.DeliveryID.String(),
		)
		return decision, nil
	}

	d.logger.Info("transaction completed",
		"invoiceId", n.InvoiceID,
		"deliveryId", n.DeliveryID.String(),
	)
	return decision, nil
}
