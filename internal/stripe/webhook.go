package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
)

// EventCheckoutCompleted is the only event type that triggers reconciliation.
const EventCheckoutCompleted = "checkout.session.completed"

var (
	// ErrMissingSignature is returned when the Stripe-Signature header is absent.
	ErrMissingSignature = errors.New("stripe: missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not verify.
	ErrInvalidSignature = errors.New("stripe: invalid webhook signature")
)

// WebhookEvent wraps the subset of event fields we care about.
type WebhookEvent struct {
	ID          string
	Type        string
	SessionID   string
	UserID      string
	AmountTotal int64
	Currency    string
	Livemode    bool
}

// ParseWebhook verifies the signature over the raw payload before decoding it.
func (c *Client) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	return parseWebhook(payload, signature, c.cfg.WebhookSecret)
}

func parseWebhook(payload []byte, signature, secret string) (WebhookEvent, error) {
	if strings.TrimSpace(signature) == "" {
		return WebhookEvent{}, ErrMissingSignature
	}
	if secret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{ID: event.ID, Type: event.Type, Livemode: event.Livemode}
	if event.Type != EventCheckoutCompleted {
		return out, nil
	}

	var checkout stripeapi.CheckoutSession
	if err := jsonExtract(event.Data.Raw, &checkout); err != nil {
		return WebhookEvent{}, err
	}
	if checkout.ID == "" {
		return WebhookEvent{}, errors.New("stripe: webhook missing session id")
	}
	out.SessionID = checkout.ID
	out.AmountTotal = checkout.AmountTotal
	out.Currency = strings.ToLower(string(checkout.Currency))
	if checkout.Metadata != nil {
		out.UserID = checkout.Metadata[MetadataUserID]
	}
	return out, nil
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("stripe: webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	return nil
}
