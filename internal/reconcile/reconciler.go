package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coinward/ipn/internal/domain"
	"github.com/coinward/ipn/internal/storage"
)

// Decision classifies the outcome of reconciling one notification.
type Decision string

const (
	// DecisionNoOp means the record was already terminal; nothing changed.
	DecisionNoOp Decision = "noop"
	// DecisionPending means a non-terminal update was recorded.
	DecisionPending Decision = "pending"
	// DecisionCompleted means the transaction reached complete and the
	// completion side effect was dispatched.
	DecisionCompleted Decision = "completed"
	// DecisionFailed means the transaction moved to expired or invalid and
	// the failure path ran.
	DecisionFailed Decision = "failed"
	// DecisionUnhandled means the provider sent a status outside the known
	// set; the record was left untouched.
	DecisionUnhandled Decision = "unhandled"
)

var (
	// ErrInvoiceMismatch indicates the notification's invoice id does not
	// match the stored record it was routed to.
	ErrInvoiceMismatch = errors.New("invoice id mismatch between notification and stored record")

	// ErrAmountMismatch indicates the notification amount differs from the
	// stored amount. The stored amount is never overwritten.
	ErrAmountMismatch = errors.New("amount mismatch between notification and stored record")

	// ErrMissingContext indicates a required correlation id was absent;
	// the update was recorded as pending and completion withheld.
	ErrMissingContext = errors.New("missing correlation context in notification")
)

// FailureHandler performs the cancellation/release logic for transactions
// that end expired or invalid. Implementations live in the host system.
type FailureHandler interface {
	FailPayment(ctx context.Context, tx domain.Transaction, n domain.Notification) error
}

// ContextResolver supplies kind-specific linkage ids for a transaction
// before completion: participant/event ids for the event kind, an optional
// membership id for the contribute kind. Implementations query the host
// system and must honour ctx deadlines.
type ContextResolver interface {
	ResolveContext(ctx context.Context, tx domain.Transaction, pos domain.PosData) (domain.ContextIDs, error)
}

// Reconciler decides and applies the status transition for each verified
// notification, then triggers the appropriate side-effect path. All stored
// mutations run inside the store's per-key critical section.
type Reconciler struct {
	store      storage.Store
	dispatcher *Dispatcher
	failures   FailureHandler
	contexts   ContextResolver
	logger     *slog.Logger
}

// New constructs a Reconciler. failures and contexts may be nil when the
// deployment has no failure hook or no kind-specific linkage to resolve.
func New(store storage.Store, dispatcher *Dispatcher, failures FailureHandler, contexts ContextResolver, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		dispatcher: dispatcher,
		failures:   failures,
		contexts:   contexts,
		logger:     logger,
	}
}

// Process reconciles one verified notification against stored state.
//
// The returned Decision is meaningful even when err is non-nil: a
// MissingContext error accompanies DecisionPending because the update is
// still recorded for audit.
func (r *Reconciler) Process(ctx context.Context, n domain.Notification) (Decision, error) {
	log := r.logger.With(
		"deliveryId", n.DeliveryID.String(),
		"invoiceId", n.InvoiceID,
		"providerStatus", n.Status,
	)

	stored, err := r.store.Load(ctx, n.InvoiceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("notification for unknown invoice")
		}
		return "", err
	}

	target, known := domain.TransitionTarget(n.Status)
	if !known {
		// Soft failure: the provider may introduce new states. Flagged
		// loudly so telemetry catches it if it ever fires.
		log.Warn("unhandled provider status, record left unchanged")
		return DecisionUnhandled, nil
	}

	if stored.Status.Terminal() {
		return r.recordDuplicate(ctx, n, log)
	}

	switch target {
	case domain.StatusComplete:
		return r.processComplete(ctx, stored, n, log)
	case domain.StatusExpired, domain.StatusInvalid:
		return r.processFailed(ctx, n, target, log)
	default:
		return r.processPending(ctx, n, log)
	}
}

// recordDuplicate retains the payload of a redelivered notification without
// touching the terminal status.
func (r *Reconciler) recordDuplicate(ctx context.Context, n domain.Notification, log *slog.Logger) (Decision, error) {
	_, err := r.store.Update(ctx, n.InvoiceID, func(tx *domain.Transaction) (bool, error) {
		tx.LastPayload = n.Raw
		return true, nil
	})
	if err != nil {
		return "", err
	}
	log.Info("duplicate notification for terminal record", "decision", DecisionNoOp)
	return DecisionNoOp, nil
}

func (r *Reconciler) processPending(ctx context.Context, n domain.Notification, log *slog.Logger) (Decision, error) {
	decision := DecisionPending
	_, err := r.store.Update(ctx, n.InvoiceID, func(tx *domain.Transaction) (bool, error) {
		tx.LastPayload = n.Raw
		if !domain.CanTransition(tx.Status, domain.StatusPending) {
			decision = DecisionNoOp
			return true, nil
		}
		tx.Status = domain.StatusPending
		return true, nil
	})
	if err != nil {
		return "", err
	}
	log.Info("recorded non-terminal update", "decision", decision)
	return decision, nil
}

func (r *Reconciler) processFailed(ctx context.Context, n domain.Notification, target domain.Status, log *slog.Logger) (Decision, error) {
	decision := DecisionFailed
	updated, err := r.store.Update(ctx, n.InvoiceID, func(tx *domain.Transaction) (bool, error) {
		tx.LastPayload = n.Raw
		if !domain.CanTransition(tx.Status, target) {
			decision = DecisionNoOp
			return true, nil
		}
		tx.Status = target
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if decision == DecisionNoOp {
		log.Info("duplicate notification for terminal record", "decision", decision)
		return decision, nil
	}

	log.Info("transaction failed", "decision", decision, "status", target)
	if r.failures != nil {
		if err := r.failures.FailPayment(ctx, updated, n); err != nil {
			// Status is already persisted; provider redelivery will land
			// on the terminal record as a NoOp, so surface the error for
			// the caller to retry the hook out of band.
			return decision, fmt.Errorf("failure handler: %w", err)
		}
	}
	return decision, nil
}

func (r *Reconciler) processComplete(ctx context.Context, stored domain.Transaction, n domain.Notification, log *slog.Logger) (Decision, error) {
	if n.InvoiceID != stored.InvoiceID {
		r.retainPayload(ctx, n, log)
		log.Warn("invoice id mismatch", "storedInvoiceId", stored.InvoiceID)
		return "", ErrInvoiceMismatch
	}

	if !n.Price.Equal(stored.Amount) {
		r.retainPayload(ctx, n, log)
		log.Warn("amount mismatch",
			"storedAmount", stored.Amount.String(),
			"notifiedAmount", n.Price.String(),
		)
		return "", ErrAmountMismatch
	}

	if n.PosData.ContactID == "" {
		return r.withholdCompletion(ctx, n, log, ErrMissingContext)
	}

	contextIDs := mergeContextIDs(stored.ContextIDs, n.PosData)
	if r.contexts != nil {
		resolved, err := r.contexts.ResolveContext(ctx, stored, n.PosData)
		if err != nil {
			log.Warn("context resolution failed, withholding completion", "error", err)
			return r.withholdCompletion(ctx, n, log, fmt.Errorf("%w: %v", ErrMissingContext, err))
		}
		contextIDs = resolved
	}

	decision, err := r.dispatcher.Complete(ctx, n, contextIDs)
	if err != nil {
		return decision, err
	}
	log.Info("reconciliation finished", "decision", decision)
	return decision, nil
}

// withholdCompletion records the update as pending only. The status change
// is kept for audit; the completion side effect never fires on it.
func (r *Reconciler) withholdCompletion(ctx context.Context, n domain.Notification, log *slog.Logger, cause error) (Decision, error) {
	decision := DecisionPending
	_, err := r.store.Update(ctx, n.InvoiceID, func(tx *domain.Transaction) (bool, error) {
		tx.LastPayload = n.Raw
		if !domain.CanTransition(tx.Status, domain.StatusPending) {
			decision = DecisionNoOp
			return true, nil
		}
		tx.Status = domain.StatusPending
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if decision == DecisionNoOp {
		return decision, nil
	}
	log.Warn("completion withheld, update recorded as pending", "cause", cause.Error())
	return decision, cause
}

// retainPayload keeps the latest notification for audit on rejected
// updates. Best effort: a storage error here must not mask the rejection.
func (r *Reconciler) retainPayload(ctx context.Context, n domain.Notification, log *slog.Logger) {
	_, err := r.store.Update(ctx, n.InvoiceID, func(tx *domain.Transaction) (bool, error) {
		tx.LastPayload = n.Raw
		return true, nil
	})
	if err != nil {
		log.Error("failed to retain notification payload", "error", err)
	}
}

func mergeContextIDs(existing domain.ContextIDs, pos domain.PosData) domain.ContextIDs {
	out := existing
	if out.ContactID == "" {
		out.ContactID = pos.ContactID
	}
	if out.RelatedContactID == "" {
		out.RelatedContactID = pos.RelatedContactID
	}
	if out.DupeAlertID == "" {
		out.DupeAlertID = pos.DupeAlertID
	}
	return out
}
