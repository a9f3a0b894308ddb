package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coachdesk/server/internal/customerio"
	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/reconcile"
	"github.com/coachdesk/server/internal/storage"
	"github.com/coachdesk/server/pkg/responders"
)

type adminReconcileResponse struct {
	SessionID    string            `json:"sessionId"`
	Status       string            `json:"verification"`
	Transitioned bool              `json:"transitioned"`
	Purchase     *storage.Purchase `json:"purchase,omitempty"`
}

// adminReconcile runs the confirmation pipeline for one session on demand.
func (h *handlers) adminReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "sessionID is required")
		return
	}

	out, err := h.confirmer.Confirm(ctx, reconcile.Request{SessionID: sessionID, Source: reconcile.SourceAdmin})
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("session_id", logger.TruncateID(sessionID)).Msg("admin.reconcile_failed")
		apierrors.WriteErrorWithDetail(w, apierrors.CodeOf(err, apierrors.ErrCodeVerificationError), "Reconciliation did not complete", "sessionId", sessionID)
		return
	}

	resp := adminReconcileResponse{
		SessionID:    sessionID,
		Status:       string(out.Verification.Status),
		Transitioned: out.Result.Transitioned,
		Purchase:     out.Result.Record,
	}
	if resp.Purchase == nil {
		if p, err := h.store.GetPurchaseBySession(ctx, sessionID); err == nil {
			resp.Purchase = &p
		}
	}
	responders.JSON(w, http.StatusOK, resp)
}

// adminTestTransactional sends a sample order email to a user's profile address.
func (h *handlers) adminTestTransactional(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeMissingField, "userId is required", "field", "userId")
		return
	}

	if err := h.testEmails.SendTestOrderEmail(ctx, userID); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("user_id", logger.TruncateID(userID)).Msg("admin.test_email_failed")
		if errors.Is(err, customerio.ErrNoRecipient) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeUserNotFound, "User has no email address")
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeCustomerIOError, "Failed to send test email")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{"success": true, "userId": userID})
}

// health reports liveness plus dependency and breaker state.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	status := "ok"
	statusCode := http.StatusOK

	deps := make(map[string]string, len(h.healthChecks))
	for name, check := range h.healthChecks {
		if err := check(ctx); err != nil {
			deps[name] = "down"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			logger.FromContext(ctx).Warn().Err(err).Str("dependency", name).Msg("health.check_failed")
			continue
		}
		deps[name] = "up"
	}

	responders.JSON(w, statusCode, map[string]any{
		"status":       status,
		"uptime":       now.Sub(serverStartTime).String(),
		"timestamp":    now.UTC(),
		"dependencies": deps,
		"breakers":     h.breakers.States(),
	})
}
