package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestGetInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoices/X1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"X1","status":"complete","price":10.00,"posData":{"c":42}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL, APIKey: "token-1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	n, err := client.GetInvoice(context.Background(), "X1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if n.InvoiceID != "X1" {
		t.Errorf("expected invoice id X1, got %s", n.InvoiceID)
	}
	if !n.Price.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("expected price 10.00, got %s", n.Price)
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.GetInvoice(context.Background(), "NOPE"); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestGetInvoiceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.GetInvoice(context.Background(), "X1"); err == nil {
		t.Fatalf("expected an error for a 502 response")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Fatalf("expected an error when base URL is missing")
	}
}
