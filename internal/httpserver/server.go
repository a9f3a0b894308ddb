package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/apikey"
	"github.com/coachdesk/server/internal/auth"
	"github.com/coachdesk/server/internal/circuitbreaker"
	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/httphandlers"
	"github.com/coachdesk/server/internal/idempotency"
	"github.com/coachdesk/server/internal/logger"
	"github.com/coachdesk/server/internal/metrics"
	"github.com/coachdesk/server/internal/ratelimit"
	"github.com/coachdesk/server/internal/reconcile"
	"github.com/coachdesk/server/internal/storage"
	stripesvc "github.com/coachdesk/server/internal/stripe"
)

var serverStartTime = time.Now()

// Redirect targets used by the checkout flow.
const (
	dashboardPath = "/dashboard"
	purchasePath  = "/dashboard/purchase"
)

// PaymentGateway creates checkout sessions and authenticates webhook deliveries.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req stripesvc.CreateSessionRequest) (*stripeapi.CheckoutSession, error)
	ParseWebhook(payload []byte, signature string) (stripesvc.WebhookEvent, error)
}

// Confirmer runs verify, reconcile and notify for one session.
type Confirmer interface {
	Confirm(ctx context.Context, req reconcile.Request) (reconcile.Outcome, error)
}

// EventTracker records behavioral events and profile attributes.
type EventTracker interface {
	Track(ctx context.Context, userID, eventName string, data map[string]any) error
	TrackBestEffort(ctx context.Context, userID, eventName string, data map[string]any)
	Identify(ctx context.Context, u storage.User) error
}

// TestEmailSender sends the sample order email used to check transactional templates.
type TestEmailSender interface {
	SendTestOrderEmail(ctx context.Context, userID string) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Store            storage.Store
	Payments         PaymentGateway
	Confirmer        Confirmer
	Analytics        EventTracker
	TestEmails       TestEmailSender
	Auth             *auth.Authenticator
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	Breakers         *circuitbreaker.Manager
	HealthChecks     map[string]HealthCheck
	Logger           zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	router     chi.Router
	httpServer *http.Server
}

type handlers struct {
	cfg          *config.Config
	store        storage.Store
	payments     PaymentGateway
	confirmer    Confirmer
	analytics    EventTracker
	testEmails   TestEmailSender
	auth         *auth.Authenticator
	metrics      *metrics.Metrics
	breakers     *circuitbreaker.Manager
	healthChecks map[string]HealthCheck
	logger       zerolog.Logger
}

func newHandlers(cfg *config.Config, deps Deps) handlers {
	return handlers{
		cfg:          cfg,
		store:        deps.Store,
		payments:     deps.Payments,
		confirmer:    deps.Confirmer,
		analytics:    deps.Analytics,
		testEmails:   deps.TestEmails,
		auth:         deps.Auth,
		metrics:      deps.Metrics,
		breakers:     deps.Breakers,
		healthChecks: deps.HealthChecks,
		logger:       deps.Logger,
	}
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: newHandlers(cfg, deps),
		router:   router,
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, deps)

	return s
}

// ConfigureRouter attaches every route to router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Deps) {
	if router == nil {
		return
	}

	h := newHandlers(cfg, deps)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", apikey.HeaderName},
			ExposedHeaders:   []string{"Location", logger.RequestIDHeader, idempotency.HeaderReplay},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(requestMetrics(deps.Metrics))
	router.Use(middleware.Recoverer)

	// API key tier is resolved before rate limiting so admins can be exempted.
	keys := apikey.KeyringFrom(cfg.APIKey)
	if cfg.APIKey.Enabled && keys.Len() == 0 {
		deps.Logger.Warn().Msg("apikey.enabled_without_valid_keys")
	}
	router.Use(apikey.Middleware(keys))
	// Identity is resolved before rate limiting so per-user buckets apply.
	router.Use(deps.Auth.Middleware)

	router.Use(ratelimit.Middleware(ratelimit.Rules(cfg.RateLimit, auth.UserID), deps.Metrics))

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", h.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", promhttp.Handler())
	})

	idempotencyMW := idempotency.Middleware(deps.IdempotencyStore, cfg.Idempotency.TTL.Duration, auth.UserID)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Stripe-facing endpoints keep stable, unauthenticated URLs.
		r.Get("/api/stripe/webhook", h.stripeWebhookInfo)
		r.Post("/api/stripe/webhook", h.handleStripeWebhook)
		r.Get("/api/stripe/callback", h.stripeCallback)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAPIUser)
			r.With(idempotencyMW).Post("/api/stripe/checkout", h.createCheckout)
			r.Post("/api/customerio/track", h.trackEvent)
			r.Post("/api/purchases/{id}/scheduled", h.markScheduled)
			r.Get("/api/session-prep", h.getSessionPrep)
			r.Put("/api/session-prep", h.putSessionPrep)
			r.Get("/api/profile", h.getProfile)
			r.Put("/api/profile", h.updateProfile)
			r.Post("/api/profile/churn", h.churn)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequirePageUser)
			r.Get("/dashboard", h.dashboard)
			r.Get("/dashboard/schedule", h.schedulePage)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(apikey.Require(apikey.TierAdmin))
			r.Post("/reconcile/{sessionID}", h.adminReconcile)
			r.Get("/test-transactional", h.adminTestTransactional)
			r.Route("/notifications", httphandlers.NewNotificationsAdminHandler(deps.Store).Routes)
		})
	})
}

// Router returns the router every route is registered on.
func (s *Server) Router() chi.Router {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close satisfies io.Closer for the lifecycle manager.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

var _ EventTracker = (*analytics.Service)(nil)
