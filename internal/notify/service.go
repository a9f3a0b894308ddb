package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/customerio"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/metrics"
	"github.com/coachdesk/server/internal/storage"
)

// Mode selects how order side effects are delivered.
type Mode string

const (
	// ModeDirect runs every step concurrently inside the triggering request.
	ModeDirect Mode = "direct"
	// ModeOutbox persists every step as a job for the OutboxWorker.
	ModeOutbox Mode = "outbox"
)

// DefaultOrderEmailMessageID is the Customer.io transactional message sent on purchase.
const DefaultOrderEmailMessageID = "order_completed"

// DefaultStepTimeout bounds each side effect in direct mode.
const DefaultStepTimeout = 5 * time.Second

// Config controls notification delivery.
type Config struct {
	Mode                Mode
	OrderEmailMessageID string
	StepTimeout         time.Duration
	MaxAttempts         int
}

// ConfigFrom maps application config onto a notify Config.
func ConfigFrom(cfg config.NotificationsConfig) Config {
	return Config{
		Mode:                Mode(cfg.Mode),
		OrderEmailMessageID: cfg.OrderEmailMessageID,
		StepTimeout:         cfg.StepTimeout.Duration,
		MaxAttempts:         cfg.Retry.MaxAttempts,
	}
}

// Options wires the collaborators of a Service.
type Options struct {
	Config   Config
	Resolver *ProductResolver
	Tracker  customerio.Tracker
	Mailer   customerio.Mailer
	Audit    storage.AuditStore
	Users    storage.UserStore
	Outbox   storage.NotificationOutbox // required in outbox mode
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Service is the order-completed notifier.
type Service struct {
	cfg      Config
	resolver *ProductResolver
	tracker  customerio.Tracker
	mailer   customerio.Mailer
	audit    storage.AuditStore
	users    storage.UserStore
	outbox   storage.NotificationOutbox
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a notifier. Outbox mode without an outbox falls back to direct.
func NewService(opts Options) *Service {
	cfg := opts.Config
	if cfg.Mode != ModeOutbox || opts.Outbox == nil {
		cfg.Mode = ModeDirect
	}
	if cfg.OrderEmailMessageID == "" {
		cfg.OrderEmailMessageID = DefaultOrderEmailMessageID
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = storage.DefaultMaxAttempts
	}
	return &Service{
		cfg:      cfg,
		resolver: opts.Resolver,
		tracker:  opts.Tracker,
		mailer:   opts.Mailer,
		audit:    opts.Audit,
		users:    opts.Users,
		outbox:   opts.Outbox,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// Mode reports the effective delivery mode.
func (s *Service) Mode() Mode {
	return s.cfg.Mode
}

// OrderCompleted delivers every order side effect. It never returns an error:
// failures are logged, and in outbox mode retried by the worker.
func (s *Service) OrderCompleted(ctx context.Context, ev OrderEvent) {
	// Side effects outlive a disconnected browser.
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContextOr(ctx, s.logger).With().
		Str("session_id", logger.TruncateID(ev.SessionID)).
		Str("user_id", logger.TruncateID(ev.UserID)).
		Str("mode", string(s.cfg.Mode)).
		Logger()

	if ev.UserID == "" {
		log.Error().Msg("notify.missing_user")
		return
	}

	productName := s.resolver.Resolve(ctx, ev.SessionID)
	steps := orderSteps(ev, productName, s.cfg.OrderEmailMessageID)

	if s.cfg.Mode == ModeOutbox {
		err := s.enqueue(ctx, steps)
		if err == nil {
			log.Info().Int("jobs", len(steps)).Msg("notify.enqueued")
			return
		}
		log.Error().Err(err).Msg("notify.enqueue_failed_delivering_direct")
	}

	s.deliverAll(ctx, steps)
	log.Info().Str("product", productName).Msg("notify.order_completed")
}

func (s *Service) enqueue(ctx context.Context, steps []Step) error {
	now := s.now().UTC()
	jobs := make([]storage.NotificationJob, 0, len(steps))
	for _, step := range steps {
		job, err := step.Job(s.cfg.MaxAttempts, now)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	return s.outbox.EnqueueNotifications(ctx, jobs)
}

// deliverAll runs steps concurrently, each under its own timeout.
func (s *Service) deliverAll(ctx context.Context, steps []Step) {
	var wg sync.WaitGroup
	for _, step := range steps {
		wg.Add(1)
		go func(step Step) {
			defer wg.Done()
			stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
			defer cancel()

			start := time.Now()
			err := s.Deliver(stepCtx, step)
			status := "success"
			if err != nil {
				status = "failed"
				logger.FromContextOr(ctx, s.logger).Warn().
					Err(err).
					Str("kind", string(step.Kind)).
					Str("name", step.Name).
					Msg("notify.step_failed")
			}
			s.metrics.ObserveNotification(string(step.Kind), status, time.Since(start), 1, false)
		}(step)
	}
	wg.Wait()
}

// Deliver performs one step. The outbox worker calls it for each claimed job.
func (s *Service) Deliver(ctx context.Context, step Step) error {
	switch step.Kind {
	case storage.JobKindTrack:
		return s.tracker.Track(ctx, step.UserID, step.Name, step.Data)
	case storage.JobKindAudit:
		return s.audit.AppendAuditEvent(ctx, storage.AuditEvent{
			UserID:    step.UserID,
			EventName: step.Name,
			Metadata:  step.Data,
			CreatedAt: s.now().UTC(),
		})
	case storage.JobKindEmail:
		to, err := s.recipient(ctx, step)
		if err != nil {
			return err
		}
		return s.mailer.SendTransactional(ctx, customerio.Email{
			MessageID: step.Name,
			UserID:    step.UserID,
			To:        to,
			Data:      step.Data,
		})
	default:
		return fmt.Errorf("notify: unknown step kind %q", step.Kind)
	}
}

// recipient prefers the profile email and falls back to the checkout email.
func (s *Service) recipient(ctx context.Context, step Step) (string, error) {
	u, err := s.users.GetUser(ctx, step.UserID)
	switch {
	case err == nil && u.Email != "":
		return u.Email, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		if step.To != "" {
			return step.To, nil
		}
		return "", fmt.Errorf("notify: load user email: %w", err)
	case step.To != "":
		return step.To, nil
	default:
		return "", customerio.ErrNoRecipient
	}
}

// SendTestOrderEmail sends the order email with sample data to userID.
func (s *Service) SendTestOrderEmail(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	steps := orderSteps(OrderEvent{
		UserID:      userID,
		SessionID:   "test_session_" + s.now().UTC().Format("20060102150405"),
		AmountCents: 10000,
		Currency:    "usd",
		Source:      "admin",
	}, DefaultProductName, s.cfg.OrderEmailMessageID)

	email := steps[len(steps)-1]
	email.Data["test"] = true
	return s.Deliver(ctx, email)
}
