package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/auth"
	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/storage"
	"github.com/coachdesk/server/pkg/responders"
)

type profileRequest struct {
	Name    string `json:"name"`
	Job     string `json:"job"`
	Company string `json:"company"`
}

func (h *handlers) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)

	u, err := h.store.GetUser(ctx, id.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUserNotFound, "Profile not found")
		return
	}
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Msg("profile.load_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to load profile")
		return
	}
	responders.JSON(w, http.StatusOK, u)
}

// updateProfile saves the settings form and re-identifies the user so the
// engagement platform sees the new attributes.
func (h *handlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)

	var req profileRequest
	if !readJSON(w, r, &req) {
		return
	}

	u, err := h.store.UpdateUserProfile(ctx, id.UserID,
		strings.TrimSpace(req.Name), strings.TrimSpace(req.Job), strings.TrimSpace(req.Company))
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUserNotFound, "Profile not found")
		return
	}
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Msg("profile.update_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "Failed to update profile")
		return
	}

	if err := h.analytics.Identify(ctx, u); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("profile.identify_failed")
	}

	responders.JSON(w, http.StatusOK, u)
}

// churn records that the user asked to leave.
func (h *handlers) churn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := auth.IdentityFromContext(ctx)

	if err := h.analytics.Track(ctx, id.UserID, analytics.EventUserChurned, map[string]any{
		"churned_at": time.Now().UTC().Unix(),
	}); err != nil {
		logger.FromContext(ctx).Error().Err(err).Msg("profile.churn_track_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTrackingFailed, "Failed to record churn")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
