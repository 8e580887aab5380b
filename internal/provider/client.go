package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/coinward/ipn/internal/domain"
)

// ErrInvoiceNotFound indicates the provider has no invoice for the id.
var ErrInvoiceNotFound = errors.New("invoice not found at provider")

// Options configures the provider API client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client fetches invoice state directly from the payment provider. It
// backs the poll-based reconciliation path used when push notifications
// cannot reach the deployment.
type Client struct {
	http *resty.Client
}

// NewClient builds a Client for the provider REST API.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("provider base URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	http := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		http.SetHeader("Authorization", "Bearer "+opts.APIKey)
	}

	return &Client{http: http}, nil
}

// GetInvoice fetches the current state of one invoice and returns it in
// notification form so the reconciler treats push and poll identically.
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (domain.Notification, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", invoiceID).
		Get("/invoices/{id}")
	if err != nil {
		return domain.Notification{}, fmt.Errorf("fetch invoice %s: %w", invoiceID, err)
	}

	switch {
	case resp.StatusCode() == 404:
		return domain.Notification{}, ErrInvoiceNotFound
	case resp.IsError():
		return domain.Notification{}, fmt.Errorf("fetch invoice %s: provider returned %d", invoiceID, resp.StatusCode())
	}

	return domain.ParseNotification(resp.Body())
}
