package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coinward/ipn/internal/domain"
	"github.com/coinward/ipn/internal/processor"
	"github.com/coinward/ipn/internal/reconcile"
	"github.com/coinward/ipn/internal/storage"
)

// signatureHeader carries the provider's integrity digest of the body.
const signatureHeader = "X-Signature"

// ReconcilePipeline is the reconciliation entry point shared by the push
// and poll triggers.
type ReconcilePipeline interface {
	Process(ctx context.Context, n domain.Notification) (reconcile.Decision, error)
}

// NotificationVerifier authenticates a raw callback request.
type NotificationVerifier interface {
	Verify(ctx context.Context, req processor.Request) (domain.Notification, error)
}

// IPNHandlers exposes the HTTP callback endpoint that receives instant
// payment notifications and drives them through verify, load, reconcile
// and dispatch. Every decision point is logged with enough context to
// reconstruct it later; no failure escapes as an unhandled fault.
type IPNHandlers struct {
	logger   *slog.Logger
	verifier NotificationVerifier
	pipeline ReconcilePipeline
}

// NewIPNHandlers constructs the handler set.
func NewIPNHandlers(logger *slog.Logger, verifier NotificationVerifier, pipeline ReconcilePipeline) *IPNHandlers {
	return &IPNHandlers{
		logger:   logger,
		verifier: verifier,
		pipeline: pipeline,
	}
}

type ipnResponse struct {
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}

// HandleNotification processes POST /ipn/:kind. A 2xx response is sent
// only when the notification was fully and correctly processed (duplicate
// deliveries included); every other outcome returns a non-2xx status so
// the provider's retry mechanism engages.
func (h *IPNHandlers) HandleNotification(c *gin.Context) {
	kindParam := c.Param("kind")
	if _, ok := domain.ParseKind(kindParam); !ok {
		c.JSON(http.StatusNotFound, ipnResponse{Result: "error", Detail: "unknown module kind"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Warn("failed to read notification body", "error", err)
		c.JSON(http.StatusBadRequest, ipnResponse{Result: "error", Detail: "unreadable body"})
		return
	}

	notification, err := h.verifier.Verify(c.Request.Context(), processor.Request{
		ProcessorID: c.Query("processor_id"),
		Signature:   c.GetHeader(signatureHeader),
		Body:        body,
	})
	if err != nil {
		h.respondVerifyError(c, kindParam, err)
		return
	}

	log := h.logger.With(
		"kind", kindParam,
		"invoiceId", notification.InvoiceID,
		"deliveryId", notification.DeliveryID.String(),
	)

	decision, err := h.pipeline.Process(c.Request.Context(), notification)
	if err != nil {
		h.respondReconcileError(c, log, decision, err)
		return
	}

	log.Info("notification processed", "decision", decision)
	c.JSON(http.StatusOK, ipnResponse{Result: string(decision)})
}

func (h *IPNHandlers) respondVerifyError(c *gin.Context, kind string, err error) {
	log := h.logger.With("kind", kind)
	switch {
	case errors.Is(err, processor.ErrMissingAccountID):
		log.Warn("notification rejected", "reason", "missing processor id")
		c.JSON(http.StatusBadRequest, ipnResponse{Result: "auth_error", Detail: "processor_id is required"})
	case errors.Is(err, processor.ErrUnknownAccount):
		log.Warn("notification rejected", "reason", "unknown processor account", "error", err)
		c.JSON(http.StatusUnauthorized, ipnResponse{Result: "auth_error", Detail: "unknown processor account"})
	case errors.Is(err, processor.ErrBadSignature):
		log.Warn("notification rejected", "reason", "invalid signature")
		c.JSON(http.StatusUnauthorized, ipnResponse{Result: "auth_error", Detail: "signature verification failed"})
	case errors.Is(err, domain.ErrEmptyPayload):
		log.Warn("notification rejected", "reason", "empty payload")
		c.JSON(http.StatusBadRequest, ipnResponse{Result: "error", Detail: "empty payload"})
	case errors.Is(err, processor.ErrAccountLookup):
		// The account store was unreachable; a retryable status keeps the
		// provider redelivering until the lookup recovers.
		log.Error("account lookup failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, ipnResponse{Result: "lookup_error", Detail: "account lookup failed"})
	default:
		// Malformed payload.
		log.Warn("notification verification failed", "error", err)
		c.JSON(http.StatusBadRequest, ipnResponse{Result: "error", Detail: err.Error()})
	}
}

func (h *IPNHandlers) respondReconcileError(c *gin.Context, log *slog.Logger, decision reconcile.Decision, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("notification for unknown invoice")
		c.JSON(http.StatusNotFound, ipnResponse{Result: "not_found", Detail: "no transaction for invoice"})
	case errors.Is(err, reconcile.ErrInvoiceMismatch):
		log.Warn("reconciliation rejected", "reason", "invoice mismatch")
		c.JSON(http.StatusUnprocessableEntity, ipnResponse{Result: "validation_error", Detail: "invoice id mismatch"})
	case errors.Is(err, reconcile.ErrAmountMismatch):
		log.Warn("reconciliation rejected", "reason", "amount mismatch")
		c.JSON(http.StatusUnprocessableEntity, ipnResponse{Result: "validation_error", Detail: "amount mismatch"})
	case errors.Is(err, reconcile.ErrMissingContext):
		log.Warn("completion withheld", "reason", "missing context", "decision", decision)
		c.JSON(http.StatusUnprocessableEntity, ipnResponse{Result: "validation_error", Detail: "missing correlation context"})
	case errors.Is(err, reconcile.ErrDispatchFailed):
		log.Error("completion dispatch failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, ipnResponse{Result: "dispatch_error", Detail: "completion dispatch failed"})
	default:
		log.Error("reconciliation failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, ipnResponse{Result: "storage_error", Detail: "transient processing failure"})
	}
}
