package httpserver

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coachdesk/server/internal/auth"
	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/reconcile"
	"github.com/coachdesk/server/internal/storage"
	stripesvc "github.com/coachdesk/server/internal/stripe"
	"github.com/coachdesk/server/pkg/responders"
)

// Stripe caps event payloads well below this.
const maxWebhookBytes = 1 << 16

type checkoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// createCheckout opens a Stripe Checkout session for the coaching product and
// records the pending purchase it will settle.
func (h *handlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id, _ := auth.IdentityFromContext(ctx)
	product := h.cfg.Checkout

	session, err := h.payments.CreateCheckoutSession(ctx, stripesvc.CreateSessionRequest{
		UserID:        id.UserID,
		CustomerEmail: id.Email,
		AmountCents:   product.UnitAmountCents,
		Currency:      product.Currency,
		PriceID:       product.StripePriceID,
		ProductName:   product.ProductName,
		Description:   product.ProductDescription,
	})
	if err != nil {
		h.metrics.ObserveCheckout("stripe_failed")
		log.Error().Err(err).Str("user_id", logger.TruncateID(id.UserID)).Msg("checkout.session_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeCheckoutFailed, "Failed to create checkout session")
		return
	}

	amount := product.UnitAmountCents
	if session.AmountTotal > 0 {
		amount = session.AmountTotal
	}
	currency := product.Currency
	if session.Currency != "" {
		currency = string(session.Currency)
	}

	if _, err := h.store.CreatePurchase(ctx, storage.Purchase{
		UserID:      id.UserID,
		SessionID:   session.ID,
		Status:      storage.PurchaseStatusPending,
		AmountCents: amount,
		Currency:    currency,
	}); err != nil {
		h.metrics.ObserveCheckout("store_failed")
		log.Error().Err(err).Str("session_id", logger.TruncateID(session.ID)).Msg("checkout.purchase_insert_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeCheckoutFailed, "Failed to create checkout session")
		return
	}

	h.metrics.ObserveCheckout("created")
	log.Info().
		Str("user_id", logger.TruncateID(id.UserID)).
		Str("session_id", logger.TruncateID(session.ID)).
		Msg("checkout.created")

	responders.JSON(w, http.StatusOK, checkoutResponse{SessionID: session.ID, URL: session.URL})
}

// handleStripeWebhook authenticates a Stripe delivery and confirms completed checkouts.
// Once the event is authenticated the response is always 200 so Stripe does not
// redeliver for downstream failures; the redirect and page-load paths cover those.
func (h *handlers) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.metrics.ObserveWebhookReceived("unknown", "read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidBody, "Failed to read request body")
		return
	}

	event, err := h.payments.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, stripesvc.ErrMissingSignature):
			h.metrics.ObserveWebhookReceived("unknown", "missing_signature")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingSignature, "Missing Stripe-Signature header")
		case errors.Is(err, stripesvc.ErrInvalidSignature):
			h.metrics.ObserveWebhookReceived("unknown", "invalid_signature")
			log.Warn().Err(err).Msg("stripe.webhook.invalid_signature")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSignature, "Invalid signature")
		default:
			h.metrics.ObserveWebhookReceived("unknown", "invalid_event")
			log.Warn().Err(err).Msg("stripe.webhook.invalid_event")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidEvent, "Invalid event payload")
		}
		return
	}

	evLog := log.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()
	log = &evLog

	if event.Type != stripesvc.EventCheckoutCompleted {
		h.metrics.ObserveWebhookReceived(event.Type, "ignored")
		log.Debug().Msg("stripe.webhook.ignored")
		responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	status := "processed"
	if _, err := h.confirmer.Confirm(ctx, reconcile.Request{
		SessionID: event.SessionID,
		Source:    reconcile.SourceWebhook,
	}); err != nil {
		status = "confirm_failed"
		log.Error().Err(err).Str("session_id", logger.TruncateID(event.SessionID)).Msg("stripe.webhook.confirm_failed")
	}
	h.metrics.ObserveWebhookReceived(event.Type, status)

	responders.JSON(w, http.StatusOK, map[string]bool{"received": true})
}

// stripeWebhookInfo answers GET requests on the webhook URL.
func (h *handlers) stripeWebhookInfo(w http.ResponseWriter, _ *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]string{
		"message": "Stripe webhook endpoint. Deliveries must be POSTed with a Stripe-Signature header.",
		"event":   stripesvc.EventCheckoutCompleted,
	})
}

// stripeCallback is the browser's return leg from hosted checkout. It confirms
// the session, then bridges the user into the dashboard with a short-lived cookie.
func (h *handlers) stripeCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		responders.Redirect(w, r, purchasePath)
		return
	}
	cbLog := log.With().Str("session_id", logger.TruncateID(sessionID)).Logger()
	log = &cbLog

	out, err := h.confirmer.Confirm(ctx, reconcile.Request{
		SessionID: sessionID,
		Source:    reconcile.SourceRedirect,
	})
	if err != nil {
		log.Warn().Err(err).Msg("stripe.callback.confirm_failed")
		// Only an unverified session goes back to purchase. A failed write
		// after approval is retried by the webhook or the next page load.
		if apierrors.CodeOf(err, apierrors.ErrCodeVerificationError) != apierrors.ErrCodeDatabaseError {
			responders.Redirect(w, r, purchasePath)
			return
		}
	}

	userID := out.Verification.UserID
	if userID == "" {
		log.Warn().Msg("stripe.callback.missing_user_id")
		responders.Redirect(w, r, purchasePath)
		return
	}

	if err := h.auth.SetBridgeCookie(w, userID); err != nil {
		log.Error().Err(err).Msg("stripe.callback.bridge_cookie_failed")
	}

	log.Info().
		Str("user_id", logger.TruncateID(userID)).
		Bool("transitioned", out.Result.Transitioned).
		Msg("stripe.callback.completed")

	responders.Redirect(w, r, dashboardPath+"?stripe_session="+url.QueryEscape(sessionID))
}
