package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/auth"
	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/pkg/responders"
)

type trackRequest struct {
	UserID    string         `json:"userId"`
	EventName string         `json:"eventName"`
	Data      map[string]any `json:"data"`
}

// trackEvent forwards a client-side behavioral event to the tracker and audit log.
func (h *handlers) trackEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req trackRequest
	if !readJSON(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.EventName = strings.TrimSpace(req.EventName)
	if req.UserID == "" || req.EventName == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "userId and eventName are required")
		return
	}
	if id, _ := auth.IdentityFromContext(ctx); id.UserID != req.UserID {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeForbidden, "Cannot track events for another user")
		return
	}

	if err := h.analytics.Track(ctx, req.UserID, req.EventName, req.Data); err != nil {
		if errors.Is(err, analytics.ErrValidation) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "userId and eventName are required")
			return
		}
		log.Error().Err(err).Str("event", req.EventName).Msg("track.failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTrackingFailed, "Failed to track event")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
