package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a stored payment transaction.
type Status string

const (
	StatusNew      Status = "new"
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusExpired  Status = "expired"
	StatusInvalid  Status = "invalid"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusExpired, StatusInvalid:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is allowed.
// Transitions are monotonic toward a terminal value; nothing leaves a
// terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusPending, StatusComplete, StatusExpired, StatusInvalid:
		return true
	}
	return false
}

// Kind identifies which host-system record a transaction finances. Each kind
// supplies its own context-id extraction and failure handling, selected once
// at the top of the pipeline.
type Kind string

const (
	KindEvent      Kind = "event"
	KindContribute Kind = "contribute"
)

// ParseKind validates a kind string taken from the callback path.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindEvent, KindContribute:
		return Kind(s), true
	}
	return "", false
}

// ContextIDs correlates a transaction with records in the host system.
// ContactID is required before a completion may be dispatched; the remaining
// fields are kind-specific and may be empty.
type ContextIDs struct {
	ContactID        string `json:"contactId,omitempty"`
	ParticipantID    string `json:"participantId,omitempty"`
	EventID          string `json:"eventId,omitempty"`
	MembershipID     string `json:"membershipId,omitempty"`
	RelatedContactID string `json:"relatedContactId,omitempty"`
	DupeAlertID      string `json:"dupeAlertId,omitempty"`
}

// Transaction is the stored record for one provider invoice.
//
// InvoiceID, ContributionID and Amount are immutable once the record exists;
// the reconciler only ever moves Status forward and refreshes LastPayload.
type Transaction struct {
	InvoiceID      string
	ContributionID string
	Kind           Kind
	Status         Status
	Amount         decimal.Decimal
	ContextIDs     ContextIDs
	LastPayload    []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
