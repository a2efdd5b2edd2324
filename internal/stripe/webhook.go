package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// DefaultWebhookTolerance bounds the accepted age of signed webhook payloads.
const DefaultWebhookTolerance = 5 * time.Minute

// Event types handled by the storefront.
const (
	EventCheckoutSessionCompleted             = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutSessionAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventCheckoutSessionExpired               = "checkout.session.expired"
)

var (
	ErrMissingSignatureHeader = webhook.ErrNotSigned
	ErrMalformedSignature     = webhook.ErrInvalidHeader
	ErrSignatureMismatch      = webhook.ErrNoValidSignature
	ErrTimestampOutsideWindow = webhook.ErrTooOld
	ErrMissingWebhookSecret   = errors.New("stripe: webhook secret required")
)

// Event is a verified webhook envelope.
type Event struct {
	ID       string
	Type     string
	Created  int64
	Livemode bool
	Object   json.RawMessage
}

// CheckoutSession decodes the event object as a checkout session.
func (e Event) CheckoutSession() (CheckoutSession, error) {
	var decoded stripeapi.CheckoutSession
	if err := json.Unmarshal(e.Object, &decoded); err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	return fromSDKSession(&decoded), nil
}

// WebhookVerifier checks Stripe-Signature headers.
type WebhookVerifier struct {
	secret  string
	options webhook.ConstructEventOptions
}

// NewWebhookVerifier builds a verifier for the endpoint secret.
func NewWebhookVerifier(secret string, tolerance time.Duration) (*WebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingWebhookSecret
	}
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &WebhookVerifier{
		secret: secret,
		// Events are decoded field by field, so payloads pinned to another API version still parse.
		options: webhook.ConstructEventOptions{Tolerance: tolerance, IgnoreAPIVersionMismatch: true},
	}, nil
}

// Verify validates the signature header against payload and decodes the event.
func (v *WebhookVerifier) Verify(payload []byte, header string) (Event, error) {
	if strings.TrimSpace(header) == "" {
		return Event{}, ErrMissingSignatureHeader
	}
	constructed, err := webhook.ConstructEventWithOptions(payload, header, v.secret, v.options)
	if err != nil {
		return Event{}, err
	}
	event := Event{
		ID:       constructed.ID,
		Type:     string(constructed.Type),
		Created:  constructed.Created,
		Livemode: constructed.Livemode,
	}
	if constructed.Data != nil {
		event.Object = constructed.Data.Raw
	}
	return event, nil
}

// SignatureHeader renders a Stripe-Signature header, used by tests and local tooling.
func SignatureHeader(secret string, signedAt time.Time, payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: signedAt,
	}).Header
}
