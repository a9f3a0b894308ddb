// Package reconcile turns a verified checkout session into a paid purchase.
//
// Three triggers race to confirm the same session: the Stripe webhook, the
// browser redirect callback and a dashboard page load carrying session_id. All
// of them go through Reconciler, whose only write is the store's conditional
// pending→paid update, so exactly one caller observes the transition.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/metrics"
	"github.com/coachdesk/server/internal/storage"
	"github.com/coachdesk/server/internal/stripe"
)

// Source names the trigger that asked for reconciliation.
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourceRedirect Source = "redirect"
	SourcePageLoad Source = "page_load"
	SourceAdmin    Source = "admin"
)

// Reconcile outcomes recorded in metrics.
const (
	OutcomeTransitioned = "transitioned"
	OutcomeAlreadyPaid  = "already_paid"
	OutcomeNotApproved  = "not_approved"
	OutcomeError        = "error"
)

// Result reports whether this call performed the pending→paid transition.
type Result struct {
	Transitioned bool
	Record       *storage.Purchase // set only when Transitioned
}

// Reconciler is the only writer of purchase status.
type Reconciler struct {
	store   storage.PurchaseStore
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewReconciler creates a Reconciler over store.
func NewReconciler(store storage.PurchaseStore, m *metrics.Metrics, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, metrics: m, logger: log, now: time.Now}
}

// Reconcile marks the purchase for sessionID paid when v is approved. Losing
// the race, or finding no pending purchase, is not an error.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, v stripe.Verification, source Source) (Result, error) {
	start := time.Now()
	log := logger.FromContextOr(ctx, r.logger).With().
		Str("session_id", logger.TruncateID(sessionID)).
		Str("source", string(source)).
		Logger()

	if !v.Approved() {
		r.metrics.ObserveReconcile(string(source), OutcomeNotApproved, time.Since(start))
		log.Debug().Str("verification", string(v.Status)).Msg("reconcile.skipped")
		return Result{}, nil
	}

	p, err := r.store.MarkPurchasePaid(ctx, sessionID, r.now().UTC())
	switch {
	case err == nil:
		r.metrics.ObserveReconcile(string(source), OutcomeTransitioned, time.Since(start))
		log.Info().
			Str("purchase_id", p.ID).
			Str("user_id", logger.TruncateID(p.UserID)).
			Msg("reconcile.transitioned")
		return Result{Transitioned: true, Record: &p}, nil
	case errors.Is(err, storage.ErrNotTransitioned):
		r.metrics.ObserveReconcile(string(source), OutcomeAlreadyPaid, time.Since(start))
		log.Debug().Msg("reconcile.no_transition")
		return Result{}, nil
	default:
		r.metrics.ObserveReconcile(string(source), OutcomeError, time.Since(start))
		return Result{}, fmt.Errorf("reconcile: mark paid: %w", err)
	}
}
