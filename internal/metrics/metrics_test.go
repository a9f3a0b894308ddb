package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}
	if m.ReconcileTotal == nil {
		t.Error("ReconcileTotal should be initialized")
	}
	if m.NotificationsTotal == nil {
		t.Error("NotificationsTotal should be initialized")
	}
	if m.StripeCallsTotal == nil {
		t.Error("StripeCallsTotal should be initialized")
	}
}

func TestObserveReconcile(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReconcile("webhook", "transitioned", 200*time.Millisecond)
	m.ObserveReconcile("callback", "already_paid", 100*time.Millisecond)
	m.ObserveReconcile("webhook", "transitioned", 50*time.Millisecond)

	if got := promtest.ToFloat64(m.ReconcileTotal.WithLabelValues("webhook", "transitioned")); got != 2 {
		t.Errorf("expected 2 webhook transitions, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.ReconcileTotal.WithLabelValues("callback", "already_paid")); got != 1 {
		t.Errorf("expected 1 callback no-op, got %.0f", got)
	}
}

func TestObserveStripeCall(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		errorType  string
		wantErrors float64
	}{
		{name: "success", err: nil, errorType: "other", wantErrors: 0},
		{name: "connection error", err: errors.New("connection reset by peer"), errorType: "connection", wantErrors: 1},
		{name: "timeout", err: errors.New("context deadline exceeded"), errorType: "timeout", wantErrors: 1},
		{name: "breaker open", err: errors.New("circuit breaker is open"), errorType: "circuit_open", wantErrors: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := New(registry)

			m.ObserveStripeCall("session_get", 100*time.Millisecond, tt.err)

			if calls := promtest.ToFloat64(m.StripeCallsTotal.WithLabelValues("session_get")); calls != 1 {
				t.Errorf("expected 1 stripe call, got %.0f", calls)
			}
			if errs := promtest.ToFloat64(m.StripeErrorsTotal.WithLabelValues("session_get", tt.errorType)); errs != tt.wantErrors {
				t.Errorf("expected %.0f errors of type %s, got %.0f", tt.wantErrors, tt.errorType, errs)
			}
		})
	}
}

func TestObserveNotification(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveNotification("email", "success", 300*time.Millisecond, 1, false)
	if got := promtest.ToFloat64(m.NotificationsTotal.WithLabelValues("email", "success")); got != 1 {
		t.Errorf("expected 1 email delivery, got %.0f", got)
	}

	m.ObserveNotification("track", "failed", time.Second, 5, true)
	if got := promtest.ToFloat64(m.NotificationRetriesTotal.WithLabelValues("track", "5")); got != 1 {
		t.Errorf("expected 1 retry record, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.NotificationDLQTotal.WithLabelValues("track")); got != 1 {
		t.Errorf("expected 1 dead-lettered job, got %.0f", got)
	}

	m.ObserveNotification("track", "failed", time.Second, 9, false)
	if got := promtest.ToFloat64(m.NotificationRetriesTotal.WithLabelValues("track", "5+")); got != 1 {
		t.Errorf("expected 5+ bucket, got %.0f", got)
	}
}

func TestObserveHelpersCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCheckout("success")
	m.ObserveVerification("approved")
	m.ObserveWebhookReceived("checkout.session.completed", "processed")
	m.ObserveRateLimit("per_user")

	if got := promtest.ToFloat64(m.CheckoutsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("checkouts = %.0f", got)
	}
	if got := promtest.ToFloat64(m.VerificationsTotal.WithLabelValues("approved")); got != 1 {
		t.Errorf("verifications = %.0f", got)
	}
	if got := promtest.ToFloat64(m.WebhooksReceived.WithLabelValues("checkout.session.completed", "processed")); got != 1 {
		t.Errorf("webhooks = %.0f", got)
	}
	if got := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("per_user")); got != 1 {
		t.Errorf("rate limit hits = %.0f", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCheckout("success")
	m.ObserveReconcile("webhook", "transitioned", time.Millisecond)
	m.ObserveNotification("audit", "success", time.Millisecond, 1, false)
	m.TimeQuery("postgres", "get_purchase")()
	m.ObserveBreakerState("stripe_api", "open")
}

func TestTimeQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.TimeQuery("postgres", "mark_purchase_paid")()

	if n := promtest.CollectAndCount(m.DBQueryDuration); n != 1 {
		t.Errorf("expected 1 db query series, got %d", n)
	}
}

func TestObserveBreakerState(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveBreakerState("customerio", "open")
	if got := promtest.ToFloat64(m.BreakerState.WithLabelValues("customerio")); got != 2 {
		t.Errorf("open gauge = %.0f, want 2", got)
	}
	m.ObserveBreakerState("customerio", "half-open")
	m.ObserveBreakerState("customerio", "closed")
	if got := promtest.ToFloat64(m.BreakerState.WithLabelValues("customerio")); got != 0 {
		t.Errorf("closed gauge = %.0f, want 0", got)
	}
	if got := promtest.ToFloat64(m.BreakerTransitionsTotal.WithLabelValues("customerio", "open")); got != 1 {
		t.Errorf("open transitions = %.0f", got)
	}
}

func TestObserveHTTP(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveHTTP("/api/purchases/{id}/scheduled", "POST", 200, 20*time.Millisecond)
	m.ObserveHTTP("", "GET", 404, time.Millisecond)

	if n := promtest.CollectAndCount(m.HTTPRequestDuration); n != 2 {
		t.Errorf("expected 2 http series, got %d", n)
	}
}
