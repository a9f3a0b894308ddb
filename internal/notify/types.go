// Package notify fans a completed order out to analytics, the audit log and a
// transactional email, either directly or through the durable outbox.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/money"
	"github.com/coachdesk/server/internal/storage"
)

// OrderEvent is emitted once, by the caller that flipped a purchase to paid.
type OrderEvent struct {
	UserID        string
	SessionID     string
	AmountCents   int64
	Currency      string
	Source        string
	CustomerEmail string // used only when the user has no profile email
}

// Step is one independent side effect of an order.
type Step struct {
	Kind      storage.JobKind
	UserID    string
	SessionID string
	Name      string // event name or transactional message id
	Data      map[string]any
	To        string // fallback email recipient
}

type stepPayload struct {
	Data map[string]any `json:"data"`
	To   string         `json:"to,omitempty"`
}

// Job converts the step into an outbox job.
func (s Step) Job(maxAttempts int, now time.Time) (storage.NotificationJob, error) {
	payload, err := json.Marshal(stepPayload{Data: s.Data, To: s.To})
	if err != nil {
		return storage.NotificationJob{}, fmt.Errorf("notify: marshal %s payload: %w", s.Kind, err)
	}
	return storage.NotificationJob{
		Kind:          s.Kind,
		UserID:        s.UserID,
		SessionID:     s.SessionID,
		Name:          s.Name,
		Payload:       payload,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// StepFromJob restores a step from an outbox job.
func StepFromJob(j storage.NotificationJob) (Step, error) {
	var payload stepPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return Step{}, fmt.Errorf("notify: decode job %s payload: %w", j.ID, err)
		}
	}
	return Step{
		Kind:      j.Kind,
		UserID:    j.UserID,
		SessionID: j.SessionID,
		Name:      j.Name,
		Data:      payload.Data,
		To:        payload.To,
	}, nil
}

// orderSteps builds the three tracked events, their audit entries and the one email.
func orderSteps(ev OrderEvent, productName, emailMessageID string) []Step {
	currency := ev.Currency
	if currency == "" {
		currency = "usd"
	}
	priceFormatted := money.FormatCents(ev.AmountCents, currency)

	track := func(name string, data map[string]any) Step {
		return Step{Kind: storage.JobKindTrack, UserID: ev.UserID, SessionID: ev.SessionID, Name: name, Data: data}
	}
	audit := func(name string, data map[string]any) Step {
		return Step{Kind: storage.JobKindAudit, UserID: ev.UserID, SessionID: ev.SessionID, Name: name, Data: data}
	}

	return []Step{
		track(analytics.EventPaymentCompleted, map[string]any{
			"session_id": ev.SessionID,
			"amount":     ev.AmountCents,
			"currency":   currency,
		}),
		track(analytics.EventSessionPurchased, map[string]any{
			"session_id": ev.SessionID,
			"amount":     ev.AmountCents,
		}),
		track(analytics.EventOrderCompleted, map[string]any{
			"session_id":      ev.SessionID,
			"product_name":    productName,
			"price":           ev.AmountCents,
			"price_formatted": priceFormatted,
			"currency":        currency,
		}),
		audit(analytics.EventPaymentCompleted, map[string]any{
			"session_id": ev.SessionID,
			"amount":     ev.AmountCents,
			"source":     ev.Source,
		}),
		audit(analytics.EventSessionPurchased, map[string]any{
			"session_id": ev.SessionID,
		}),
		audit(analytics.EventOrderCompleted, map[string]any{
			"session_id":   ev.SessionID,
			"product_name": productName,
			"price":        ev.AmountCents,
		}),
		{
			Kind:      storage.JobKindEmail,
			UserID:    ev.UserID,
			SessionID: ev.SessionID,
			Name:      emailMessageID,
			To:        ev.CustomerEmail,
			Data: map[string]any{
				"session_id":      ev.SessionID,
				"product_name":    productName,
				"price":           ev.AmountCents,
				"price_formatted": priceFormatted,
				"currency":        currency,
			},
		},
	}
}
