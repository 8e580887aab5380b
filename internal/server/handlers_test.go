package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/coinward/ipn/internal/domain"
	"github.com/coinward/ipn/internal/processor"
	"github.com/coinward/ipn/internal/reconcile"
	"github.com/coinward/ipn/internal/storage"
)

type stubVerifier struct {
	notification domain.Notification
	err          error
}

func (s *stubVerifier) Verify(_ context.Context, _ processor.Request) (domain.Notification, error) {
	if s.err != nil {
		return domain.Notification{}, s.err
	}
	return s.notification, nil
}

type stubPipeline struct {
	decision reconcile.Decision
	err      error
	calls    int
}

func (s *stubPipeline) Process(_ context.Context, _ domain.Notification) (reconcile.Decision, error) {
	s.calls++
	return s.decision, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(verifier NotificationVerifier, pipeline ReconcilePipeline) http.Handler {
	logger := testLogger()
	return NewRouter(logger, RouterDependencies{
		IPN: NewIPNHandlers(logger, verifier, pipeline),
	})
}

func postIPN(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"id":"X1","status":"complete"}`))
	req.Header.Set("X-Signature", "digest")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func verifiedNotification() domain.Notification {
	return domain.Notification{
		DeliveryID: uuid.New(),
		InvoiceID:  "X1",
		Status:     "complete",
	}
}

func TestHandleNotificationSuccessResults(t *testing.T) {
	for _, decision := range []reconcile.Decision{
		reconcile.DecisionCompleted,
		reconcile.DecisionNoOp,
		reconcile.DecisionPending,
		reconcile.DecisionFailed,
		reconcile.DecisionUnhandled,
	} {
		t.Run(string(decision), func(t *testing.T) {
			pipeline := &stubPipeline{decision: decision}
			handler := newTestRouter(&stubVerifier{notification: verifiedNotification()}, pipeline)

			rec := postIPN(t, handler, "/ipn/contribute?processor_id=1")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), string(decision)) {
				t.Errorf("expected body to carry decision %s, got %s", decision, rec.Body.String())
			}
			if pipeline.calls != 1 {
				t.Errorf("expected pipeline invoked once, got %d", pipeline.calls)
			}
		})
	}
}

func TestHandleNotificationUnknownKind(t *testing.T) {
	pipeline := &stubPipeline{decision: reconcile.DecisionCompleted}
	handler := newTestRouter(&stubVerifier{notification: verifiedNotification()}, pipeline)

	rec := postIPN(t, handler, "/ipn/subscription?processor_id=1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if pipeline.calls != 0 {
		t.Errorf("pipeline must not run for an unknown kind")
	}
}

func TestHandleNotificationAuthFailures(t *testing.T) {
	cases := []struct {
		name       string
		verifyErr  error
		wantStatus int
	}{
		{"missing processor id", processor.ErrMissingAccountID, http.StatusBadRequest},
		{"unknown account", processor.ErrUnknownAccount, http.StatusUnauthorized},
		{"bad signature", processor.ErrBadSignature, http.StatusUnauthorized},
		{"empty payload", domain.ErrEmptyPayload, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipeline := &stubPipeline{}
			handler := newTestRouter(&stubVerifier{err: tc.verifyErr}, pipeline)

			rec := postIPN(t, handler, "/ipn/event?processor_id=1")
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			if pipeline.calls != 0 {
				t.Errorf("pipeline must not run when verification fails")
			}
		})
	}
}

func TestHandleNotificationTransientLookupFailure(t *testing.T) {
	// An unreachable account store must come back retryable, not as a
	// rejection, so the provider redelivers once the lookup recovers.
	lookupErr := fmt.Errorf("%w: processor 1: %w", processor.ErrAccountLookup, context.DeadlineExceeded)
	pipeline := &stubPipeline{}
	handler := newTestRouter(&stubVerifier{err: lookupErr}, pipeline)

	rec := postIPN(t, handler, "/ipn/contribute?processor_id=1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d (%s)", rec.Code, rec.Body.String())
	}
	if pipeline.calls != 0 {
		t.Errorf("pipeline must not run when verification fails")
	}
}

func TestHandleNotificationReconcileFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown invoice", storage.ErrNotFound, http.StatusNotFound},
		{"invoice mismatch", reconcile.ErrInvoiceMismatch, http.StatusUnprocessableEntity},
		{"amount mismatch", reconcile.ErrAmountMismatch, http.StatusUnprocessableEntity},
		{"missing context", reconcile.ErrMissingContext, http.StatusUnprocessableEntity},
		{"dispatch failure", reconcile.ErrDispatchFailed, http.StatusServiceUnavailable},
		{"storage failure", context.DeadlineExceeded, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pipeline := &stubPipeline{err: tc.err}
			handler := newTestRouter(&stubVerifier{notification: verifiedNotification()}, pipeline)

			rec := postIPN(t, handler, "/ipn/contribute?processor_id=1")
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tc.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	handler := NewRouter(testLogger(), RouterDependencies{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

type failingProbe struct{ err error }

func (p failingProbe) Probe(context.Context) error { return p.err }

func TestHealthzDegraded(t *testing.T) {
	handler := NewRouter(testLogger(), RouterDependencies{
		Health: failingProbe{err: context.DeadlineExceeded},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
