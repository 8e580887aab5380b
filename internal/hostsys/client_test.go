package hostsys

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coinward/ipn/internal/domain"
	"github.com/coinward/ipn/internal/reconcile"
)

func TestCompletePayment(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.CompletePayment(context.Background(), reconcile.CompletionRequest{
		InvoiceID:      "X1",
		ContributionID: "101",
		Kind:           domain.KindContribute,
		Amount:         decimal.RequireFromString("10.00"),
		ContextIDs:     domain.ContextIDs{ContactID: "42"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if gotPath != "/contributions/101/complete" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotBody["amount"] != "10" && gotBody["amount"] != "10.00" {
		t.Errorf("unexpected amount %v", gotBody["amount"])
	}
	if gotBody["invoiceId"] != "X1" {
		t.Errorf("unexpected invoice id %v", gotBody["invoiceId"])
	}
}

func TestCompletePaymentSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	err = client.CompletePayment(context.Background(), reconcile.CompletionRequest{
		ContributionID: "101",
		Amount:         decimal.RequireFromString("10.00"),
	})
	if err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
}

func TestResolveContextEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contributions/101/linkage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("kind") != "event" {
			t.Errorf("unexpected kind %s", r.URL.Query().Get("kind"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"participantId":"77","eventId":"9"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	tx := domain.Transaction{ContributionID: "101", Kind: domain.KindEvent}
	ids, err := client.ResolveContext(context.Background(), tx, domain.PosData{ContactID: "42"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ids.ParticipantID != "77" || ids.EventID != "9" {
		t.Errorf("unexpected linkage %+v", ids)
	}
	if ids.ContactID != "42" {
		t.Errorf("contact id from notification must be carried, got %q", ids.ContactID)
	}
}

func TestResolveContextEventMissingParticipant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	tx := domain.Transaction{ContributionID: "101", Kind: domain.KindEvent}
	if _, err := client.ResolveContext(context.Background(), tx, domain.PosData{ContactID: "42"}); err == nil {
		t.Fatalf("expected an error when the participant linkage is missing")
	}
}

func TestResolveContextContribute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"membershipId":"5"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	tx := domain.Transaction{ContributionID: "101", Kind: domain.KindContribute}
	ids, err := client.ResolveContext(context.Background(), tx, domain.PosData{
		ContactID:        "42",
		RelatedContactID: "7",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ids.MembershipID != "5" {
		t.Errorf("expected membership id 5, got %q", ids.MembershipID)
	}
	if ids.RelatedContactID != "7" {
		t.Errorf("related contact id from notification must win, got %q", ids.RelatedContactID)
	}
}
