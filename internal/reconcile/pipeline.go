package reconcile

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/notify"
	"github.com/coachdesk/server/internal/stripe"
)

// Verifier asks the payment provider whether a session was paid.
type Verifier interface {
	Verify(ctx context.Context, sessionID string) (stripe.Verification, error)
	VerifyOwned(ctx context.Context, sessionID, userID string) (stripe.Verification, error)
}

// Notifier receives the order-completed event for the transition winner.
type Notifier interface {
	OrderCompleted(ctx context.Context, event notify.OrderEvent)
}

// Request asks the pipeline to confirm one session.
type Request struct {
	SessionID string
	Source    Source
	// OwnerID, when set, requires the session's metadata userId to match.
	OwnerID string
}

// Outcome carries what each stage observed.
type Outcome struct {
	Verification stripe.Verification
	Result       Result
}

// Pipeline runs Verify → Reconcile → Notify for every trigger.
type Pipeline struct {
	verifier   Verifier
	reconciler *Reconciler
	notifier   Notifier
	logger     zerolog.Logger
}

// NewPipeline wires the three stages.
func NewPipeline(verifier Verifier, reconciler *Reconciler, notifier Notifier, log zerolog.Logger) *Pipeline {
	return &Pipeline{verifier: verifier, reconciler: reconciler, notifier: notifier, logger: log}
}

// Confirm verifies and reconciles req.SessionID and fires the notifier only
// when this call performed the transition. A returned error leaves purchase
// state unchanged and carries ErrCodeVerificationError when Stripe could not
// be asked, or ErrCodeDatabaseError when Stripe approved but the write failed.
func (p *Pipeline) Confirm(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	log := logger.FromContextOr(ctx, p.logger).With().
		Str("session_id", logger.TruncateID(req.SessionID)).
		Str("source", string(req.Source)).
		Logger()

	if strings.TrimSpace(req.SessionID) == "" {
		return out, nil
	}

	var err error
	if req.OwnerID != "" {
		out.Verification, err = p.verifier.VerifyOwned(ctx, req.SessionID, req.OwnerID)
	} else {
		out.Verification, err = p.verifier.Verify(ctx, req.SessionID)
	}
	if err != nil {
		log.Warn().Err(err).Msg("reconcile.verification_indeterminate")
		return out, apierrors.Wrap(apierrors.ErrCodeVerificationError, "verify checkout session", err)
	}

	out.Result, err = p.reconciler.Reconcile(ctx, req.SessionID, out.Verification, req.Source)
	if err != nil {
		log.Error().Err(err).Msg("reconcile.store_failed")
		return out, apierrors.Wrap(apierrors.ErrCodeDatabaseError, "record payment", err)
	}
	if !out.Result.Transitioned {
		return out, nil
	}

	rec := out.Result.Record
	event := notify.OrderEvent{
		UserID:      rec.UserID,
		SessionID:   rec.SessionID,
		AmountCents: rec.AmountCents,
		Currency:    rec.Currency,
		Source:      string(req.Source),

		CustomerEmail: out.Verification.CustomerEmail,
	}
	if out.Verification.AmountCents > 0 {
		event.AmountCents = out.Verification.AmountCents
	}
	if out.Verification.Currency != "" {
		event.Currency = out.Verification.Currency
	}
	p.notifier.OrderCompleted(ctx, event)
	return out, nil
}
