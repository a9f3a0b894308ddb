package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/cacheutil"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/storage"
)

const seenUserTTL = 10 * time.Minute

// ProfileTracker is the subset of the analytics service used on first sight of a user.
type ProfileTracker interface {
	Identify(ctx context.Context, u storage.User) error
	TrackBestEffort(ctx context.Context, userID, eventName string, data map[string]any)
}

// UserProvisioner creates the local profile the first time a provider user is
// seen and announces the registration.
type UserProvisioner struct {
	users   storage.UserStore
	tracker ProfileTracker
	seen    *cacheutil.TTLCache[string, bool]
	now     func() time.Time
	logger  zerolog.Logger
}

// NewUserProvisioner builds a provisioner. tracker may be nil.
func NewUserProvisioner(users storage.UserStore, tracker ProfileTracker, log zerolog.Logger) *UserProvisioner {
	return &UserProvisioner{
		users:   users,
		tracker: tracker,
		seen:    cacheutil.NewTTLCache[string, bool](seenUserTTL),
		now:     time.Now,
		logger:  log,
	}
}

// EnsureUser inserts the profile for id if absent. Failures are logged and
// retried on the next request.
func (p *UserProvisioner) EnsureUser(ctx context.Context, id Identity) {
	if id.UserID == "" {
		return
	}
	log := logger.FromContextOr(ctx, p.logger)

	_, err := p.seen.Get(id.UserID, func() (bool, error) {
		now := p.now().UTC()
		u := storage.User{
			ID:        id.UserID,
			Email:     id.Email,
			Name:      id.Name,
			Job:       id.Job,
			Company:   id.Company,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created, err := p.users.CreateUserIfAbsent(ctx, u)
		if err != nil {
			return false, err
		}
		if created {
			p.announce(ctx, u, log)
		}
		return true, nil
	})
	if err != nil {
		log.Error().Err(err).
			Str("user_id", logger.TruncateID(id.UserID)).
			Msg("auth.provision_failed")
	}
}

func (p *UserProvisioner) announce(ctx context.Context, u storage.User, log *zerolog.Logger) {
	log.Info().
		Str("user_id", logger.TruncateID(u.ID)).
		Str("email", logger.RedactEmail(u.Email)).
		Msg("auth.user_registered")

	if p.tracker == nil {
		return
	}
	if err := p.tracker.Identify(ctx, u); err != nil {
		log.Warn().Err(err).Str("user_id", logger.TruncateID(u.ID)).Msg("auth.identify_failed")
	}
	p.tracker.TrackBestEffort(ctx, u.ID, analytics.EventUserRegistered, map[string]any{
		"email": u.Email,
	})
}
