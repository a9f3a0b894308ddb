package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coaching checkout service.
type Metrics struct {
	// Checkout metrics
	CheckoutsTotal *prometheus.CounterVec

	// Payment confirmation metrics
	ReconcileTotal     *prometheus.CounterVec
	ReconcileDuration  *prometheus.HistogramVec
	VerificationsTotal *prometheus.CounterVec
	WebhooksReceived   *prometheus.CounterVec

	// Stripe API metrics
	StripeCallsTotal   *prometheus.CounterVec
	StripeCallDuration *prometheus.HistogramVec
	StripeErrorsTotal  *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal       *prometheus.CounterVec
	NotificationRetriesTotal *prometheus.CounterVec
	NotificationDLQTotal     *prometheus.CounterVec
	NotificationDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec

	// Inbound HTTP requests by route pattern
	HTTPRequestDuration *prometheus.HistogramVec

	// Outbound HTTP latency per upstream
	UpstreamDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	BreakerState            *prometheus.GaugeVec
	BreakerTransitionsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		CheckoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_checkouts_total",
				Help: "Checkout sessions created, by outcome",
			},
			[]string{"status"},
		),

		ReconcileTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_reconcile_total",
				Help: "Payment reconciliation attempts by trigger source and outcome",
			},
			[]string{"source", "outcome"},
		),
		ReconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachdesk_reconcile_duration_seconds",
				Help:    "Time to verify and reconcile a checkout session",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"source"},
		),
		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_verifications_total",
				Help: "Checkout session verifications by result",
			},
			[]string{"result"},
		),
		WebhooksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_webhooks_received_total",
				Help: "Stripe webhook deliveries by event type and handling status",
			},
			[]string{"event_type", "status"},
		),

		StripeCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_stripe_calls_total",
				Help: "Stripe API calls by operation",
			},
			[]string{"operation"},
		),
		StripeCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachdesk_stripe_call_duration_seconds",
				Help:    "Stripe API call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation"},
		),
		StripeErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_stripe_errors_total",
				Help: "Stripe API errors by operation and error type",
			},
			[]string{"operation", "error_type"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_notifications_total",
				Help: "Notification steps by kind and status",
			},
			[]string{"kind", "status"},
		),
		NotificationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_notification_retries_total",
				Help: "Outbox notification retries by kind and attempt",
			},
			[]string{"kind", "attempt"},
		),
		NotificationDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_notification_dlq_total",
				Help: "Outbox notifications dead-lettered after exhausting retries",
			},
			[]string{"kind"},
		),
		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachdesk_notification_duration_seconds",
				Help:    "Notification step latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"kind"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachdesk_db_query_duration_seconds",
				Help:    "Database query latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachdesk_http_request_duration_seconds",
				Help:    "Inbound HTTP request latency by route pattern, method and status code",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "code"},
		),

		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachdesk_upstream_request_duration_seconds",
				Help:    "Outbound HTTP request latency by upstream, status code and method",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"upstream", "code", "method"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coachdesk_circuit_breaker_state",
				Help: "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
			},
			[]string{"service"},
		),
		BreakerTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachdesk_circuit_breaker_transitions_total",
				Help: "Circuit breaker state changes by upstream and new state",
			},
			[]string{"service", "state"},
		),
	}
}

// ObserveCheckout records a checkout session creation attempt.
func (m *Metrics) ObserveCheckout(status string) {
	if m == nil {
		return
	}
	m.CheckoutsTotal.WithLabelValues(status).Inc()
}

// ObserveReconcile records one reconciliation attempt from a trigger source.
func (m *Metrics) ObserveReconcile(source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(source, outcome).Inc()
	m.ReconcileDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveVerification records a checkout session verification result.
func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(result).Inc()
}

// ObserveWebhookReceived records an inbound Stripe webhook.
func (m *Metrics) ObserveWebhookReceived(eventType, status string) {
	if m == nil {
		return
	}
	m.WebhooksReceived.WithLabelValues(eventType, status).Inc()
}

// ObserveStripeCall records a call to the Stripe API.
func (m *Metrics) ObserveStripeCall(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.StripeCallsTotal.WithLabelValues(operation).Inc()
	m.StripeCallDuration.WithLabelValues(operation).Observe(duration.Seconds())

	if err != nil {
		m.StripeErrorsTotal.WithLabelValues(operation, classifyError(err)).Inc()
	}
}

// ObserveNotification records one notification step delivery.
func (m *Metrics) ObserveNotification(kind, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, status).Inc()
	m.NotificationDuration.WithLabelValues(kind).Observe(duration.Seconds())

	if attempt > 1 {
		m.NotificationRetriesTotal.WithLabelValues(kind, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.NotificationDLQTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func classifyError(err error) string {
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "circuit breaker"):
		return "circuit_open"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "rate limit"):
		return "rate_limit"
	case strings.Contains(errStr, "connection"):
		return "connection"
	case strings.Contains(errStr, "no such"), strings.Contains(errStr, "not found"):
		return "not_found"
	default:
		return "other"
	}
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
