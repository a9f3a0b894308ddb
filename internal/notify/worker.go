package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/metrics"
	"github.com/coachdesk/server/internal/storage"
)

// settleTimeout bounds the store write that records a delivery outcome. It
// runs detached from the worker context so shutdown does not strand a claim.
const settleTimeout = 5 * time.Second

// Deliverer performs one notification step. *Service satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, step Step) error
}

// OutboxWorker delivers queued notification jobs with exponential backoff.
type OutboxWorker struct {
	outbox         storage.NotificationOutbox
	deliverer      Deliverer
	backoff        Backoff
	attemptTimeout time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	pollInterval   time.Duration
	batchSize      int
	claimTTL       time.Duration
	now            func() time.Time
	jitter         func() float64

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// OutboxWorkerOptions configures the outbox worker.
type OutboxWorkerOptions struct {
	Outbox         storage.NotificationOutbox
	Deliverer      Deliverer
	Backoff        Backoff       // zero value means 1s doubling to 5m with 20% jitter
	AttemptTimeout time.Duration // Per-delivery timeout (default: 10s)
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	PollInterval   time.Duration // How often to poll for due jobs (default: 5s)
	BatchSize      int           // Jobs per poll (default: 10)
	ClaimTTL       time.Duration // Unsettled claims older than this are released (default: 2x attempt timeout plus settle)
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(opts OutboxWorkerOptions) *OutboxWorker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = defaultBackoff()
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 2 * (opts.AttemptTimeout + settleTimeout)
	}

	return &OutboxWorker{
		outbox:         opts.Outbox,
		deliverer:      opts.Deliverer,
		backoff:        opts.Backoff,
		attemptTimeout: opts.AttemptTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		claimTTL:       opts.ClaimTTL,
		now:            time.Now,
		jitter:         jitterSource,
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
	}
}

// Start begins processing jobs from the outbox.
// Only the first call has an effect.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

// Stop gracefully stops the worker and waits for the current batch.
// Stopping a worker that was never started returns immediately.
func (w *OutboxWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.doneChan
	}
}

// Close implements io.Closer for the lifecycle manager.
func (w *OutboxWorker) Close() error {
	w.Stop()
	return nil
}

func (w *OutboxWorker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("poll_interval", w.pollInterval).
		Msg("outbox.worker_started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("outbox.worker_stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce delivers one batch of due jobs and returns how many were attempted.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) int {
	w.releaseStale(ctx)

	jobs, err := w.outbox.DequeueNotifications(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("outbox.dequeue_failed")
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	w.logger.Debug().Int("count", len(jobs)).Msg("outbox.processing")

	attempted := 0
	for _, job := range jobs {
		if w.processJob(ctx, job) {
			attempted++
		}
	}
	return attempted
}

// releaseStale hands claims abandoned by a crashed or killed worker back to the queue.
func (w *OutboxWorker) releaseStale(ctx context.Context) {
	n, err := w.outbox.ReleaseStaleNotifications(ctx, w.now().UTC().Add(-w.claimTTL))
	if err != nil {
		w.logger.Error().Err(err).Msg("outbox.release_stale_failed")
		return
	}
	if n > 0 {
		w.logger.Warn().Int("count", n).Dur("claim_ttl", w.claimTTL).Msg("outbox.stale_claims_released")
	}
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// processJob claims and delivers a single job. It returns false when the job
// was claimed by someone else.
func (w *OutboxWorker) processJob(ctx context.Context, job storage.NotificationJob) bool {
	if err := w.outbox.MarkNotificationProcessing(ctx, job.ID); err != nil {
		if !errors.Is(err, storage.ErrNotClaimed) {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("outbox.claim_failed")
		}
		return false
	}
	job.Attempts++

	start := time.Now()
	err := w.deliver(ctx, job)
	duration := time.Since(start)

	if err == nil {
		settleCtx, cancel := settleContext(ctx)
		defer cancel()
		if markErr := w.outbox.MarkNotificationDelivered(settleCtx, job.ID); markErr != nil {
			w.logger.Error().Err(markErr).Str("job_id", job.ID).Msg("outbox.mark_delivered_failed")
		}
		w.metrics.ObserveNotification(string(job.Kind), "success", duration, job.Attempts, false)
		w.logger.Info().
			Str("job_id", job.ID).
			Str("kind", string(job.Kind)).
			Str("name", job.Name).
			Int("attempts", job.Attempts).
			Msg("outbox.delivered")
		return true
	}

	w.handleFailure(ctx, job, err, duration)
	return true
}

func (w *OutboxWorker) deliver(ctx context.Context, job storage.NotificationJob) error {
	step, err := StepFromJob(job)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
	defer cancel()
	return w.deliverer.Deliver(reqCtx, step)
}

// handleFailure schedules a retry or lets the store dead-letter the job.
func (w *OutboxWorker) handleFailure(ctx context.Context, job storage.NotificationJob, deliveryErr error, duration time.Duration) {
	nextAttemptAt := w.now().UTC().Add(w.backoff.Delay(job.Attempts, w.jitter))

	settleCtx, cancel := settleContext(ctx)
	defer cancel()
	if err := w.outbox.MarkNotificationFailed(settleCtx, job.ID, deliveryErr.Error(), nextAttemptAt); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("outbox.mark_failed_failed")
		return
	}

	if job.IsExhausted() {
		w.metrics.ObserveNotification(string(job.Kind), "dlq", duration, job.Attempts, true)
		w.logger.Warn().
			Err(deliveryErr).
			Str("job_id", job.ID).
			Str("kind", string(job.Kind)).
			Int("attempts", job.Attempts).
			Msg("outbox.dead_lettered")
		return
	}

	w.metrics.ObserveNotification(string(job.Kind), "failed", duration, job.Attempts, false)
	w.logger.Warn().
		Err(deliveryErr).
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Int("attempts", job.Attempts).
		Time("next_attempt", nextAttemptAt).
		Msg("outbox.retry_scheduled")
}
