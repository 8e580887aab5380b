package hostsys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/coinward/ipn/internal/domain"
	"github.com/coinward/ipn/internal/reconcile"
)

// Options configures the host-system API client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the host financial system: completing payments, running
// the failed-transaction path, and resolving kind-specific linkage ids.
// It implements reconcile.Completer, reconcile.FailureHandler and
// reconcile.ContextResolver.
type Client struct {
	http *resty.Client
}

// NewClient builds a Client for the host-system REST API.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("host system base URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	http := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		http.SetHeader("Authorization", "Bearer "+opts.Token)
	}

	return &Client{http: http}, nil
}

type completeRequest struct {
	InvoiceID  string            `json:"invoiceId"`
	Kind       string            `json:"kind"`
	Amount     string            `json:"amount"`
	ContextIDs domain.ContextIDs `json:"contextIds"`
}

// CompletePayment implements reconcile.Completer by finalising the
// financial record in the host system.
func (c *Client) CompletePayment(ctx context.Context, req reconcile.CompletionRequest) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", req.ContributionID).
		SetBody(completeRequest{
			InvoiceID:  req.InvoiceID,
			Kind:       string(req.Kind),
			Amount:     req.Amount.String(),
			ContextIDs: req.ContextIDs,
		}).
		Post("/contributions/{id}/complete")
	if err != nil {
		return fmt.Errorf("complete contribution %s: %w", req.ContributionID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("complete contribution %s: host system returned %d", req.ContributionID, resp.StatusCode())
	}
	return nil
}

type failRequest struct {
	InvoiceID  string            `json:"invoiceId"`
	Kind       string            `json:"kind"`
	Status     string            `json:"status"`
	ContextIDs domain.ContextIDs `json:"contextIds"`
}

// FailPayment implements reconcile.FailureHandler by cancelling the
// reserved resource tied to the transaction.
func (c *Client) FailPayment(ctx context.Context, tx domain.Transaction, n domain.Notification) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", tx.ContributionID).
		SetBody(failRequest{
			InvoiceID:  tx.InvoiceID,
			Kind:       string(tx.Kind),
			Status:     string(tx.Status),
			ContextIDs: tx.ContextIDs,
		}).
		Post("/contributions/{id}/cancel")
	if err != nil {
		return fmt.Errorf("cancel contribution %s: %w", tx.ContributionID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("cancel contribution %s: host system returned %d", tx.ContributionID, resp.StatusCode())
	}
	return nil
}

type linkageResponse struct {
	ParticipantID    string `json:"participantId"`
	EventID          string `json:"eventId"`
	MembershipID     string `json:"membershipId"`
	RelatedContactID string `json:"relatedContactId"`
	DupeAlertID      string `json:"dupeAlertId"`
}

// ResolveContext implements reconcile.ContextResolver. For the event kind
// the participant linkage is mandatory; a contribution without it cannot
// be completed. For the contribute kind the membership id is optional and
// the related-contact ids fall back to the notification metadata.
func (c *Client) ResolveContext(ctx context.Context, tx domain.Transaction, pos domain.PosData) (domain.ContextIDs, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", tx.ContributionID).
		SetQueryParam("kind", string(tx.Kind)).
		Get("/contributions/{id}/linkage")
	if err != nil {
		return domain.ContextIDs{}, fmt.Errorf("resolve linkage for contribution %s: %w", tx.ContributionID, err)
	}
	if resp.IsError() {
		return domain.ContextIDs{}, fmt.Errorf("resolve linkage for contribution %s: host system returned %d", tx.ContributionID, resp.StatusCode())
	}

	var linkage linkageResponse
	if err := json.Unmarshal(resp.Body(), &linkage); err != nil {
		return domain.ContextIDs{}, fmt.Errorf("decode linkage response: %w", err)
	}

	ids := domain.ContextIDs{
		ContactID:        pos.ContactID,
		RelatedContactID: pos.RelatedContactID,
		DupeAlertID:      pos.DupeAlertID,
	}

	switch tx.Kind {
	case domain.KindEvent:
		if linkage.ParticipantID == "" {
			return domain.ContextIDs{}, fmt.Errorf("no participant payment record for contribution %s", tx.ContributionID)
		}
		ids.ParticipantID = linkage.ParticipantID
		ids.EventID = linkage.EventID
	case domain.KindContribute:
		ids.MembershipID = linkage.MembershipID
		if ids.RelatedContactID == "" {
			ids.RelatedContactID = linkage.RelatedContactID
		}
		if ids.DupeAlertID == "" {
			ids.DupeAlertID = linkage.DupeAlertID
		}
	}
	return ids, nil
}
