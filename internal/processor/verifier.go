package processor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/coinward/ipn/internal/domain"
)

var (
	// ErrMissingAccountID indicates the request carried no processor id.
	ErrMissingAccountID = errors.New("processor id missing from request")

	// ErrBadSignature indicates the payload failed the provider integrity
	// check for the resolved merchant account.
	ErrBadSignature = errors.New("notification signature invalid")

	// ErrAccountLookup indicates the account store was unreachable. The
	// notification itself may be valid; callers should signal a retryable
	// failure rather than reject it.
	ErrAccountLookup = errors.New("account lookup failed")
)

// SignatureChecker validates the provider's integrity signature over a raw
// payload. The algorithm is provider-defined; implementations are treated
// as opaque primitives.
type SignatureChecker interface {
	Check(body []byte, signature, apiKey string) error
}

// HMACChecker verifies an HMAC-SHA256 hex digest of the body keyed with the
// merchant API key.
type HMACChecker struct{}

// Check implements SignatureChecker.
func (HMACChecker) Check(body []byte, signature, apiKey string) error {
	if signature == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Request is the raw material the verifier works from: the untouched
// payload bytes plus the identifiers extracted from the transport envelope.
type Request struct {
	ProcessorID string
	Signature   string
	Body        []byte
}

// Verifier authenticates inbound notifications against per-merchant
// configuration. It performs pure validation and has no side effects.
type Verifier struct {
	resolver Resolver
	checker  SignatureChecker
}

// NewVerifier builds a Verifier. A nil checker defaults to HMAC-SHA256.
func NewVerifier(resolver Resolver, checker SignatureChecker) *Verifier {
	if checker == nil {
		checker = HMACChecker{}
	}
	return &Verifier{resolver: resolver, checker: checker}
}

// Verify authenticates the request and returns the parsed, trusted
// notification. Failures are ErrMissingAccountID, ErrUnknownAccount,
// ErrBadSignature, ErrAccountLookup, or a payload parse error.
func (v *Verifier) Verify(ctx context.Context, req Request) (domain.Notification, error) {
	if req.ProcessorID == "" {
		return domain.Notification{}, ErrMissingAccountID
	}

	account, err := v.resolver.Resolve(ctx, req.ProcessorID)
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			return domain.Notification{}, fmt.Errorf("processor %s: %w", req.ProcessorID, ErrUnknownAccount)
		}
		return domain.Notification{}, fmt.Errorf("%w: processor %s: %w", ErrAccountLookup, req.ProcessorID, err)
	}

	if err := v.checker.Check(req.Body, req.Signature, account.APIKey); err != nil {
		return domain.Notification{}, err
	}

	return domain.ParseNotification(req.Body)
}
