package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/auth"
	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/reconcile"
	"github.com/coachdesk/server/internal/storage"
	"github.com/coachdesk/server/pkg/responders"
)

type dashboardResponse struct {
	User           storage.User         `json:"user"`
	HasPaidSession bool                 `json:"hasPaidSession"`
	Purchases      []storage.Purchase   `json:"purchases"`
	SessionPrep    *storage.SessionPrep `json:"sessionPrep,omitempty"`
}

type scheduleResponse struct {
	Purchase   storage.Purchase `json:"purchase"`
	CanPrepare bool             `json:"canPrepare"`
}

// confirmFromQuery is the page-load fallback: a session_id on a dashboard URL is
// confirmed before the page model is built. Failures only leave state as it was.
func (h *handlers) confirmFromQuery(ctx context.Context, r *http.Request, userID string) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		return
	}
	if _, err := h.confirmer.Confirm(ctx, reconcile.Request{
		SessionID: sessionID,
		Source:    reconcile.SourcePageLoad,
		OwnerID:   userID,
	}); err != nil {
		logger.FromContext(ctx).Warn().
			Err(err).
			Str("session_id", logger.TruncateID(sessionID)).
			Msg("dashboard.confirm_failed")
	}
}

// dashboard returns the dashboard page model.
func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id, _ := auth.IdentityFromContext(ctx)

	h.confirmFromQuery(ctx, r, id.UserID)

	purchases, err := h.store.ListPurchasesByUser(ctx, id.UserID)
	if err != nil {
		log.Error().Err(err).Msg("dashboard.list_purchases_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to load purchases")
		return
	}
	if purchases == nil {
		purchases = []storage.Purchase{}
	}

	resp := dashboardResponse{
		User:      h.profileFor(ctx, id),
		Purchases: purchases,
	}
	for _, p := range purchases {
		if !p.IsPaid() {
			continue
		}
		resp.HasPaidSession = true
		if prep, err := h.store.GetSessionPrep(ctx, id.UserID, p.ID); err == nil {
			resp.SessionPrep = &prep
		}
		break
	}

	h.analytics.TrackBestEffort(ctx, id.UserID, analytics.EventDashboardViewed, map[string]any{
		"has_paid_session": resp.HasPaidSession,
	})

	responders.JSON(w, http.StatusOK, resp)
}

// schedulePage returns the booking page model, or sends users without a paid
// purchase back to the purchase page.
func (h *handlers) schedulePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id, _ := auth.IdentityFromContext(ctx)

	h.confirmFromQuery(ctx, r, id.UserID)

	h.analytics.TrackBestEffort(ctx, id.UserID, analytics.EventSessionBookingOpened, nil)

	purchase, err := h.store.LatestPaidPurchase(ctx, id.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		responders.Redirect(w, r, purchasePath)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("schedule.load_purchase_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to load purchase")
		return
	}

	responders.JSON(w, http.StatusOK, scheduleResponse{
		Purchase:   purchase,
		CanPrepare: purchase.ScheduledAt != nil,
	})
}

// profileFor returns the stored profile, falling back to token claims when the
// profile has not been written yet.
func (h *handlers) profileFor(ctx context.Context, id auth.Identity) storage.User {
	u, err := h.store.GetUser(ctx, id.UserID)
	if err == nil {
		return u
	}
	if !errors.Is(err, storage.ErrNotFound) {
		logger.FromContext(ctx).Warn().Err(err).Msg("dashboard.load_profile_failed")
	}
	return storage.User{ID: id.UserID, Email: id.Email, Name: id.Name, Job: id.Job, Company: id.Company}
}
