// Package httphandlers holds operator endpoints that sit behind the admin API key.
package httphandlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/storage"
	"github.com/coachdesk/server/pkg/responders"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// NotificationStore is the outbox surface the admin endpoints need.
type NotificationStore interface {
	GetNotification(ctx context.Context, id string) (storage.NotificationJob, error)
	ListNotifications(ctx context.Context, status storage.JobStatus, limit int) ([]storage.NotificationJob, error)
	RetryNotification(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
}

// NotificationsAdminHandler manages the notification outbox.
type NotificationsAdminHandler struct {
	store NotificationStore
}

// NewNotificationsAdminHandler creates the outbox admin handler.
func NewNotificationsAdminHandler(store NotificationStore) *NotificationsAdminHandler {
	return &NotificationsAdminHandler{store: store}
}

// Routes mounts the handler under the current router.
func (h *NotificationsAdminHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/retry", h.Retry)
	r.Delete("/{id}", h.Delete)
}

// List returns outbox jobs with an optional status filter.
// GET /admin/notifications?status=failed&limit=100
func (h *NotificationsAdminHandler) List(w http.ResponseWriter, r *http.Request) {
	var status storage.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = storage.JobStatus(raw)
		switch status {
		case storage.JobStatusPending, storage.JobStatusProcessing, storage.JobStatusFailed:
		default:
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField,
				"status must be one of: pending, processing, failed", "field", "status")
			return
		}
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField,
				"limit must be between 1 and 1000", "field", "limit")
			return
		}
		limit = parsed
	}

	jobs, err := h.store.ListNotifications(r.Context(), status, limit)
	if err != nil {
		logger.FromContext(r.Context()).Error().Err(err).Msg("admin.notifications.list_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to list notifications")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"notifications": jobs,
		"count":         len(jobs),
	})
}

// Get returns one job.
// GET /admin/notifications/{id}
func (h *NotificationsAdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.GetNotification(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err, "get")
		return
	}
	responders.JSON(w, http.StatusOK, job)
}

// Retry resets a job to pending for immediate redelivery.
// POST /admin/notifications/{id}/retry
func (h *NotificationsAdminHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RetryNotification(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err, "retry")
		return
	}
	logger.FromContext(r.Context()).Info().Str("notification_id", id).Msg("admin.notifications.retry_queued")
	responders.JSON(w, http.StatusOK, map[string]any{
		"message":        "notification queued for retry",
		"notificationId": id,
	})
}

// Delete removes a job from the outbox.
// DELETE /admin/notifications/{id}
func (h *NotificationsAdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteNotification(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err, "delete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationsAdminHandler) writeStoreError(w http.ResponseWriter, r *http.Request, err error, op string) {
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotificationNotFound, "notification not found")
		return
	}
	logger.FromContext(r.Context()).Error().Err(err).Str("op", op).Msg("admin.notifications.store_failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to "+op+" notification")
}
