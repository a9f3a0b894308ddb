// Package coachdesk assembles the purchase, confirmation and notification
// components into one embeddable application.
package coachdesk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/auth"
	"github.com/coachdesk/server/internal/circuitbreaker"
	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/customerio"
	"github.com/coachdesk/server/internal/dbpool"
	"github.com/coachdesk/server/internal/httpserver"
	"github.com/coachdesk/server/internal/httputil"
	"github.com/coachdesk/server/internal/idempotency"
	"github.com/coachdesk/server/internal/lifecycle"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/metrics"
	"github.com/coachdesk/server/internal/notify"
	"github.com/coachdesk/server/internal/reconcile"
	"github.com/coachdesk/server/internal/storage"
	stripesvc "github.com/coachdesk/server/internal/stripe"
)

// ServiceName labels logs emitted by the application.
const ServiceName = "coachdesk"

// CustomerIO is the tracking and transactional messaging backend.
type CustomerIO interface {
	customerio.Tracker
	customerio.Mailer
}

// App wires the coaching purchase components for reuse or standalone serving.
type App struct {
	Config           *config.Config
	Logger           zerolog.Logger
	Store            storage.Store
	Stripe           *stripesvc.Client
	Verifier         *stripesvc.Verifier
	CustomerIO       CustomerIO
	Analytics        *analytics.Service
	Notifier         *notify.Service
	Pipeline         *reconcile.Pipeline
	Worker           *notify.OutboxWorker // nil unless notifications run in outbox mode
	IdempotencyStore idempotency.Store

	server           *httpserver.Server
	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	registry         prometheus.Registerer
	breakers         *circuitbreaker.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store       storage.Store
	stripeAPI   stripesvc.API
	customerIO  CustomerIO
	idempotency idempotency.Store
	router      chi.Router
	registry    prometheus.Registerer
	logger      *zerolog.Logger
	version     string
}

// WithStore sets a custom storage backend. The caller keeps ownership of it.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithStripeAPI replaces the Stripe SDK backend.
func WithStripeAPI(api stripesvc.API) Option {
	return func(o *options) {
		o.stripeAPI = api
	}
}

// WithCustomerIO replaces the Customer.io client.
func WithCustomerIO(c CustomerIO) Option {
	return func(o *options) {
		o.customerIO = c
	}
}

// WithIdempotencyStore sets the checkout idempotency cache. The caller keeps ownership of it.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *options) {
		o.idempotency = store
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry registers metrics on registry instead of the process default.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &log
	}
}

// WithVersion stamps the build version on every log line.
func WithVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

// NewApp assembles every component. Resources opened here are released by Close.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("coachdesk: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	var log zerolog.Logger
	if optState.logger != nil {
		log = *optState.logger
	} else {
		log = logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     ServiceName,
			Version:     optState.version,
			Environment: cfg.Logging.Environment,
		})
	}

	app := &App{
		Config:          cfg,
		Logger:          log,
		resourceManager: lifecycle.NewManager(log),
	}
	ok := false
	defer func() {
		if !ok {
			_ = app.resourceManager.Close()
		}
	}()

	app.registry = optState.registry
	app.metricsCollector = metrics.New(app.registry)
	app.breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, log, func(s circuitbreaker.Service, state string) {
		app.metricsCollector.ObserveBreakerState(string(s), state)
	})
	stripeHTTP := httputil.NewClient(cfg.Stripe.RequestTimeout.Duration,
		httputil.WithObserver(app.metricsCollector.UpstreamObserver("stripe")))
	customerioHTTP := httputil.NewClient(cfg.Stripe.RequestTimeout.Duration,
		httputil.WithObserver(app.metricsCollector.UpstreamObserver("customerio")))

	healthChecks := map[string]httpserver.HealthCheck{}
	if err := app.openStore(ctx, optState.store, healthChecks); err != nil {
		return nil, err
	}

	stripeAPI := optState.stripeAPI
	if stripeAPI == nil {
		stripeAPI = stripesvc.NewSDKAPI(cfg.Stripe.SecretKey, stripeHTTP)
	}
	app.Stripe = stripesvc.NewClient(cfg.Stripe, stripeAPI, app.breakers, app.metricsCollector, log)
	app.Verifier = stripesvc.NewVerifier(app.Stripe, cfg.Stripe.TestModeAutoApprove, app.metricsCollector)

	if optState.customerIO != nil {
		app.CustomerIO = optState.customerIO
	} else {
		app.CustomerIO = customerio.New(cfg.CustomerIO, customerioHTTP, app.breakers, log)
	}

	app.Analytics = analytics.NewService(app.CustomerIO, app.Store, log)

	notifyCfg := notify.ConfigFrom(cfg.Notifications)
	app.Notifier = notify.NewService(notify.Options{
		Config:   notifyCfg,
		Resolver: notify.NewProductResolver(app.Stripe, cfg.Stripe.ProductCacheTTL.Duration, cfg.Notifications.DefaultProductName, log),
		Tracker:  app.CustomerIO,
		Mailer:   app.CustomerIO,
		Audit:    app.Store,
		Users:    app.Store,
		Outbox:   app.Store,
		Metrics:  app.metricsCollector,
		Logger:   log,
	})
	if app.Notifier.Mode() == notify.ModeOutbox {
		app.Worker = notify.NewOutboxWorker(notify.OutboxWorkerOptions{
			Outbox:         app.Store,
			Deliverer:      app.Notifier,
			Backoff:        notify.BackoffFrom(cfg.Notifications.Retry),
			AttemptTimeout: notifyCfg.StepTimeout,
			Logger:         log,
			Metrics:        app.metricsCollector,
			PollInterval:   cfg.Notifications.PollInterval.Duration,
			BatchSize:      cfg.Notifications.BatchSize,
		})
		app.resourceManager.Register("outbox-worker", app.Worker)
	}

	app.Pipeline = reconcile.NewPipeline(
		app.Verifier,
		reconcile.NewReconciler(app.Store, app.metricsCollector, log),
		app.Notifier,
		log,
	)

	tokens := auth.NewTokenManager(cfg.Auth)
	authenticator := auth.NewAuthenticator(cfg.Auth, tokens, auth.NewUserProvisioner(app.Store, app.Analytics, log), log)

	if optState.idempotency != nil {
		app.IdempotencyStore = optState.idempotency
	} else {
		idem, err := idempotency.NewStore(ctx, cfg.Idempotency.Backend, cfg.Idempotency.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init idempotency store: %w", err)
		}
		app.IdempotencyStore = idem
		app.resourceManager.Register("idempotency-store", idem)
	}

	deps := httpserver.Deps{
		Store:            app.Store,
		Payments:         app.Stripe,
		Confirmer:        app.Pipeline,
		Analytics:        app.Analytics,
		TestEmails:       app.Notifier,
		Auth:             authenticator,
		IdempotencyStore: app.IdempotencyStore,
		Metrics:          app.metricsCollector,
		Breakers:         app.breakers,
		HealthChecks:     healthChecks,
		Logger:           log,
	}

	app.server = httpserver.New(cfg, deps)
	if optState.router != nil {
		httpserver.ConfigureRouter(optState.router, cfg, deps)
		app.router = optState.router
	} else {
		app.router = app.server.Router()
	}
	// Registered last so in-flight requests drain before anything else closes.
	app.resourceManager.Register("http-server", app.server)

	ok = true
	return app, nil
}

// openStore connects the configured backend unless one was injected. Postgres
// goes through a shared pool so the health check and the store use one pool.
func (a *App) openStore(ctx context.Context, injected storage.Store, checks map[string]httpserver.HealthCheck) error {
	if injected != nil {
		a.Store = injected
		return nil
	}

	storeCfg := storage.StoreConfigFrom(a.Config.Storage)

	var store storage.Store
	switch storeCfg.Backend {
	case "postgres":
		pool, err := dbpool.NewSharedPool(ctx, storeCfg.PostgresURL, storeCfg.PostgresPool)
		if err != nil {
			return fmt.Errorf("init postgres pool: %w", err)
		}
		a.resourceManager.Register("postgres-pool", pool)
		checks["postgres"] = pool.Ping
		if unregister, err := pool.RegisterMetrics(a.registry); err != nil {
			a.Logger.Warn().Err(err).Msg("coachdesk.pool_metrics_unavailable")
		} else {
			a.resourceManager.RegisterFunc("postgres-pool-metrics", func() error {
				unregister()
				return nil
			})
		}

		store, err = storage.NewStoreWithDB(ctx, storeCfg, pool.DB())
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
	default:
		var err error
		store, err = storage.NewStore(ctx, storeCfg)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
	}

	switch s := store.(type) {
	case *storage.PostgresStore:
		s.WithMetrics(a.metricsCollector)
	case *storage.MongoDBStore:
		s.WithMetrics(a.metricsCollector)
		checks["mongodb"] = s.Ping
	case *storage.MemoryStore:
		a.Logger.Warn().Msg("coachdesk.memory_store: purchases are lost on restart, do not use in production")
	}

	a.Store = store
	a.resourceManager.Register("storage", store)
	return nil
}

// Router returns the chi router with every route registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// StartWorkers launches background delivery. It is a no-op in direct mode.
func (a *App) StartWorkers(ctx context.Context) {
	if a.Worker != nil {
		a.Worker.Start(ctx)
		a.Logger.Info().Msg("coachdesk.outbox_worker_started")
	}
}

// Serve starts background workers and the HTTP server and blocks until ctx is
// cancelled or the server fails. Close must still be called afterwards.
func (a *App) Serve(ctx context.Context) error {
	a.StartWorkers(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("address", a.Config.Server.Address).Msg("coachdesk.http_listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, failed := <-errCh:
		if failed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		a.Logger.Info().Msg("coachdesk.shutdown_requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	}
}

// Close releases resources owned by the app in reverse order of creation.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(ctx context.Context, cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the service.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
