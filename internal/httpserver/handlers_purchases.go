package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/auth"
	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/storage"
	"github.com/coachdesk/server/pkg/responders"
)

type sessionPrepRequest struct {
	Questions  []string `json:"questions"`
	Strengths  string   `json:"strengths"`
	Weaknesses string   `json:"weaknesses"`
	Goals      string   `json:"goals"`
	Challenges string   `json:"challenges"`
	Context    string   `json:"context"`
}

// markScheduled records that the owner booked the meeting for a paid purchase.
func (h *handlers) markScheduled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)
	purchaseID := chi.URLParam(r, "id")

	purchase, err := h.store.MarkPurchaseScheduled(ctx, purchaseID, id.UserID, time.Now().UTC())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePurchaseNotFound, "Purchase not found", "purchaseId", purchaseID)
		return
	case errors.Is(err, storage.ErrNotPaid):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePurchaseNotPaid, "Purchase is not paid", "purchaseId", purchaseID)
		return
	case errors.Is(err, storage.ErrAlreadyScheduled):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeAlreadyScheduled, "Purchase is already scheduled", "purchaseId", purchaseID)
		return
	default:
		logger.FromContext(ctx).Error().Err(err).Str("purchase_id", purchaseID).Msg("schedule.mark_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to update purchase")
		return
	}

	h.analytics.TrackBestEffort(ctx, id.UserID, analytics.EventMeetingScheduled, map[string]any{
		"purchase_id":  purchase.ID,
		"session_id":   purchase.SessionID,
		"scheduled_at": purchase.ScheduledAt,
	})

	responders.JSON(w, http.StatusOK, purchase)
}

// latestPaid resolves the purchase a prep form belongs to and writes the error
// response when there is none.
func (h *handlers) latestPaid(w http.ResponseWriter, r *http.Request, userID string) (storage.Purchase, bool) {
	purchase, err := h.store.LatestPaidPurchase(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNoPaidPurchase, "No paid purchase")
		return storage.Purchase{}, false
	}
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("session_prep.load_purchase_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to load purchase")
		return storage.Purchase{}, false
	}
	return purchase, true
}

func (h *handlers) getSessionPrep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)

	purchase, ok := h.latestPaid(w, r, id.UserID)
	if !ok {
		return
	}

	prep, err := h.store.GetSessionPrep(ctx, id.UserID, purchase.ID)
	if errors.Is(err, storage.ErrNotFound) {
		prep = storage.SessionPrep{UserID: id.UserID, PurchaseID: purchase.ID, Questions: []string{}}
	} else if err != nil {
		logger.FromContext(ctx).Error().Err(err).Msg("session_prep.load_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to load session prep")
		return
	}

	responders.JSON(w, http.StatusOK, prep)
}

func (h *handlers) putSessionPrep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)

	var req sessionPrepRequest
	if !readJSON(w, r, &req) {
		return
	}

	purchase, ok := h.latestPaid(w, r, id.UserID)
	if !ok {
		return
	}

	prep, err := h.store.UpsertSessionPrep(ctx, storage.SessionPrep{
		UserID:     id.UserID,
		PurchaseID: purchase.ID,
		Questions:  req.Questions,
		Strengths:  req.Strengths,
		Weaknesses: req.Weaknesses,
		Goals:      req.Goals,
		Challenges: req.Challenges,
		Context:    req.Context,
	})
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Msg("session_prep.save_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to save session prep")
		return
	}

	responders.JSON(w, http.StatusOK, prep)
}
