package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/customerio"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/storage"
)

// ErrValidation is returned when a tracking request lacks a user or event name.
var ErrValidation = errors.New("analytics: user id and event name required")

// Service sends behavioral events to the tracker and records each one in the audit log.
type Service struct {
	tracker customerio.Tracker
	audit   storage.AuditStore
	logger  zerolog.Logger
	now     func() time.Time
}

// NewService creates an analytics Service.
func NewService(tracker customerio.Tracker, audit storage.AuditStore, log zerolog.Logger) *Service {
	return &Service{
		tracker: tracker,
		audit:   audit,
		logger:  log,
		now:     time.Now,
	}
}

// Track sends eventName for userID. A tracker failure is returned; an audit
// failure is only logged since the event already reached Customer.io.
func (s *Service) Track(ctx context.Context, userID, eventName string, data map[string]any) error {
	userID = strings.TrimSpace(userID)
	eventName = strings.TrimSpace(eventName)
	if userID == "" || eventName == "" {
		return ErrValidation
	}
	data = cloneData(data)

	if err := s.tracker.Track(ctx, userID, eventName, data); err != nil {
		return fmt.Errorf("analytics: track %s: %w", eventName, err)
	}

	if err := s.audit.AppendAuditEvent(ctx, storage.AuditEvent{
		UserID:    userID,
		EventName: eventName,
		Metadata:  data,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		logger.FromContextOr(ctx, s.logger).Warn().
			Err(err).
			Str("event", eventName).
			Str("user_id", logger.TruncateID(userID)).
			Msg("analytics.audit_failed")
	}
	return nil
}

// TrackBestEffort is Track for page views and other events whose failure must
// never affect the response.
func (s *Service) TrackBestEffort(ctx context.Context, userID, eventName string, data map[string]any) {
	if err := s.Track(ctx, userID, eventName, data); err != nil {
		logger.FromContextOr(ctx, s.logger).Warn().
			Err(err).
			Str("event", eventName).
			Msg("analytics.track_failed")
	}
}

// Identify pushes the profile attributes of u to the tracker.
func (s *Service) Identify(ctx context.Context, u storage.User) error {
	attrs := map[string]any{
		"email":      u.Email,
		"created_at": u.CreatedAt.Unix(),
	}
	if u.Name != "" {
		attrs["name"] = u.Name
	}
	if u.Job != "" {
		attrs["job"] = u.Job
	}
	if u.Company != "" {
		attrs["company"] = u.Company
	}
	if err := s.tracker.Identify(ctx, u.ID, attrs); err != nil {
		return fmt.Errorf("analytics: identify: %w", err)
	}
	return nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
