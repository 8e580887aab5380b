package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrEmptyPayload indicates the notification body carried no data.
var ErrEmptyPayload = errors.New("notification payload is empty")

// Notification is one verified status update for an invoice, as pushed by
// the provider or fetched through the poll path. Field names follow the
// provider wire format and are preserved verbatim in Raw for auditing.
type Notification struct {
	// DeliveryID is assigned locally when the notification is accepted and
	// exists purely for log correlation across the pipeline.
	DeliveryID uuid.UUID

	InvoiceID string
	Status    string
	Price     decimal.Decimal
	Currency  string
	PosData   PosData
	Raw       []byte
}

// PosData carries the correlation ids the invoice-creation flow embedded in
// the provider invoice. The provider echoes it back on every notification,
// either as a JSON object or as a JSON-encoded string.
type PosData struct {
	ContactID        string
	RelatedContactID string
	DupeAlertID      string
}

// UnmarshalJSON accepts both the object form {"c":42,"r":"7"} and the
// string-wrapped form "{\"c\":42}" the provider is known to send.
func (p *PosData) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("posData string form: %w", err)
		}
		if inner == "" {
			return nil
		}
		data = []byte(inner)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("posData object form: %w", err)
	}
	p.ContactID = flexString(fields["c"])
	p.RelatedContactID = flexString(fields["r"])
	p.DupeAlertID = flexString(fields["d"])
	return nil
}

// flexString renders a raw JSON scalar (string or number) as a string.
func flexString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// notificationWire mirrors the provider payload. The invoice identifier
// arrives as "id" on push deliveries and as "bitpay_id" on polled records.
type notificationWire struct {
	ID       string          `json:"id"`
	BitpayID string          `json:"bitpay_id"`
	Status   string          `json:"status"`
	Price    json.Number     `json:"price"`
	Currency string          `json:"currency"`
	PosData  json.RawMessage `json:"posData"`
}

// ParseNotification decodes a raw provider payload into a Notification. It
// performs structural validation only; authenticity is the verifier's job
// and reconciliation semantics are the reconciler's.
func ParseNotification(body []byte) (Notification, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Notification{}, ErrEmptyPayload
	}

	var wire notificationWire
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}

	invoiceID := wire.ID
	if invoiceID == "" {
		invoiceID = wire.BitpayID
	}
	if invoiceID == "" {
		return Notification{}, errors.New("notification has no invoice id")
	}
	if wire.Status == "" {
		return Notification{}, errors.New("notification has no status")
	}

	var price decimal.Decimal
	if wire.Price != "" {
		var err error
		price, err = decimal.NewFromString(wire.Price.String())
		if err != nil {
			return Notification{}, fmt.Errorf("invalid price %q: %w", wire.Price, err)
		}
	}

	var pos PosData
	if len(wire.PosData) > 0 {
		if err := pos.UnmarshalJSON(wire.PosData); err != nil {
			return Notification{}, err
		}
	}

	raw := make([]byte, len(body))
	copy(raw, body)

	return Notification{
		DeliveryID: uuid.New(),
		InvoiceID:  invoiceID,
		Status:     wire.Status,
		Price:      price,
		Currency:   wire.Currency,
		PosData:    pos,
		Raw:        raw,
	}, nil
}

// TransitionTarget maps a provider status value to the stored-status the
// reconciler should move toward. The provider's intermediate states (paid,
// confirmed) all land on pending. Unknown values return ok=false and are
// handled as a soft failure upstream.
func TransitionTarget(providerStatus string) (Status, bool) {
	switch providerStatus {
	case "new", "paid", "confirmed", "pending":
		return StatusPending, true
	case "complete":
		return StatusComplete, true
	case "expired":
		return StatusExpired, true
	case "invalid":
		return StatusInvalid, true
	}
	return "", false
}
