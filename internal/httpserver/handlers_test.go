package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/metrics"
	"github.com/coachdesk/server/internal/storage"
)

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]HealthCheck
		wantStatus int
		wantBody   string
	}{
		{"no dependencies", nil, http.StatusOK, "ok"},
		{"store up", map[string]HealthCheck{"postgres": func(context.Context) error { return nil }}, http.StatusOK, "ok"},
		{"store down", map[string]HealthCheck{"postgres": func(context.Context) error { return errors.New("refused") }}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &handlers{cfg: &config.Config{}, healthChecks: tt.checks}
			rec := httptest.NewRecorder()
			h.health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != tt.wantBody {
				t.Errorf("status field = %v, want %s", body["status"], tt.wantBody)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil, nil)
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy", "Permissions-Policy", "X-Request-ID"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("health responses should not be marked no-store")
	}

	rec = env.do(http.MethodGet, "/api/stripe/webhook", nil, nil)
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("api Cache-Control = %q", rec.Header().Get("Cache-Control"))
	}
}

func TestReadJSON(t *testing.T) {
	type form struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name   string
		body   string
		wantOK bool
	}{
		{"valid", `{"name":"Ada"}`, true},
		{"unknown field", `{"name":"Ada","admin":true}`, false},
		{"trailing object", `{"name":"Ada"}{"name":"Bob"}`, false},
		{"not json", `name=Ada`, false},
		{"too large", `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/profile", strings.NewReader(tt.body))
			var dest form
			ok := readJSON(rec, req, &dest)
			if ok != tt.wantOK {
				t.Fatalf("readJSON = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "invalid_body") {
					t.Errorf("response = %d %s", rec.Code, rec.Body.String())
				}
			}
		})
	}
}

func TestDashboardRedirectsAnonymousToLogin(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/dashboard", "/dashboard/schedule?session_id=cs_1"} {
		rec := env.do(http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/auth/login?redirect=") {
			t.Errorf("%s location = %q", path, loc)
		}
	}
}

func TestDashboardPageLoadFallback(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.checkout("user-1")
	env.api.markPaid(sessionID)

	// Another user carrying the session id must not settle it.
	env.checkout("user-2")
	rec := env.do(http.MethodGet, "/dashboard?session_id="+sessionID, nil, env.asUser("user-2"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	p, _ := env.store.GetPurchaseBySession(context.Background(), sessionID)
	if p.IsPaid() {
		t.Fatal("purchase settled by a non-owner page load")
	}

	rec = env.do(http.MethodGet, "/dashboard?session_id="+sessionID, nil, env.asUser("user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page dashboardResponse
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !page.HasPaidSession || len(page.Purchases) != 1 || !page.Purchases[0].IsPaid() {
		t.Errorf("dashboard = %+v", page)
	}
	if env.cio.emailCount() != 1 {
		t.Errorf("emails = %d, want 1", env.cio.emailCount())
	}
	if env.cio.count("dashboard_viewed") != 2 {
		t.Errorf("dashboard_viewed tracked %d times", env.cio.count("dashboard_viewed"))
	}
}

func TestDashboardRendersWhenVerificationFails(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.checkout("user-1")
	env.api.getErr = errors.New("stripe unavailable")

	rec := env.do(http.MethodGet, "/dashboard?session_id="+sessionID, nil, env.asUser("user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page dashboardResponse
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.HasPaidSession {
		t.Error("indeterminate verification must not mark the purchase paid")
	}
}

func TestScheduleFlow(t *testing.T) {
	env := newTestEnv(t)
	asUser := env.asUser("user-1")
	sessionID := env.checkout("user-1")

	rec := env.do(http.MethodGet, "/dashboard/schedule", nil, asUser)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != purchasePath {
		t.Fatalf("unpaid schedule: status = %d location = %q", rec.Code, rec.Header().Get("Location"))
	}

	env.api.markPaid(sessionID)
	rec = env.do(http.MethodGet, "/dashboard/schedule?session_id="+sessionID, nil, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("paid schedule status = %d: %s", rec.Code, rec.Body.String())
	}
	var page scheduleResponse
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.CanPrepare || page.Purchase.SessionID != sessionID {
		t.Errorf("schedule page = %+v", page)
	}

	path := "/api/purchases/" + page.Purchase.ID + "/scheduled"
	if rec := env.do(http.MethodPost, path, nil, env.asUser("user-2")); rec.Code != http.StatusNotFound {
		t.Errorf("non-owner schedule status = %d, want 404", rec.Code)
	}
	if rec := env.do(http.MethodPost, path, nil, asUser); rec.Code != http.StatusOK {
		t.Fatalf("schedule status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodPost, path, nil, asUser); rec.Code != http.StatusConflict {
		t.Errorf("second schedule status = %d, want 409", rec.Code)
	}
	if env.cio.count("meeting_scheduled") != 1 {
		t.Errorf("meeting_scheduled tracked %d times", env.cio.count("meeting_scheduled"))
	}

	rec = env.do(http.MethodGet, "/dashboard/schedule", nil, asUser)
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !page.CanPrepare {
		t.Error("canPrepare should be true once scheduled")
	}
}

func TestSessionPrep(t *testing.T) {
	env := newTestEnv(t)
	asUser := env.asUser("user-1")

	body := `{"questions":["  How do I grow?  ","", "What next?"],"strengths":"Go","goals":"Lead"}`
	if rec := env.do(http.MethodPut, "/api/session-prep", strings.NewReader(body), asUser); rec.Code != http.StatusNotFound {
		t.Fatalf("prep without paid purchase status = %d, want 404", rec.Code)
	}

	sessionID := env.checkout("user-1")
	env.api.markPaid(sessionID)
	env.do(http.MethodGet, "/dashboard?session_id="+sessionID, nil, asUser)

	rec := env.do(http.MethodPut, "/api/session-prep", strings.NewReader(body), asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/api/session-prep", nil, asUser)
	var prep storage.SessionPrep
	if err := json.NewDecoder(rec.Body).Decode(&prep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(prep.Questions) != 2 || prep.Questions[0] != "How do I grow?" || prep.Goals != "Lead" {
		t.Errorf("prep = %+v", prep)
	}

	if rec := env.do(http.MethodPut, "/api/session-prep", strings.NewReader(`{"unknown":1}`), asUser); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", rec.Code)
	}
}

func TestTrackEndpoint(t *testing.T) {
	env := newTestEnv(t)
	asUser := env.asUser("user-1")

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"userId":"user-1","eventName":"pricing_viewed","data":{"plan":"single"}}`, http.StatusOK},
		{"missing event", `{"userId":"user-1"}`, http.StatusBadRequest},
		{"missing user", `{"eventName":"pricing_viewed"}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
		{"other user", `{"userId":"user-2","eventName":"pricing_viewed"}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/customerio/track", strings.NewReader(tt.body), asUser)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	env.cio.trackErr = errors.New("customer.io down")
	rec := env.do(http.MethodPost, "/api/customerio/track",
		strings.NewReader(`{"userId":"user-1","eventName":"pricing_viewed"}`), asUser)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("tracker failure status = %d, want 500", rec.Code)
	}
}

func TestProfileAndChurn(t *testing.T) {
	env := newTestEnv(t)
	asUser := env.asUser("user-1")

	rec := env.do(http.MethodGet, "/api/profile", nil, asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("get profile status = %d", rec.Code)
	}
	if env.cio.count("user_registered") != 1 {
		t.Errorf("user_registered tracked %d times", env.cio.count("user_registered"))
	}

	rec = env.do(http.MethodPut, "/api/profile", strings.NewReader(`{"name":" Ada ","job":"Engineer","company":"Analytical"}`), asUser)
	if rec.Code != http.StatusOK {
		t.Fatalf("put profile status = %d: %s", rec.Code, rec.Body.String())
	}
	u, err := env.store.GetUser(context.Background(), "user-1")
	if err != nil || u.Name != "Ada" || u.Company != "Analytical" {
		t.Errorf("user = %+v, %v", u, err)
	}

	if rec := env.do(http.MethodPost, "/api/profile/churn", nil, asUser); rec.Code != http.StatusOK {
		t.Fatalf("churn status = %d", rec.Code)
	}
	events, err := env.store.ListAuditEvents(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	churned := false
	for _, e := range events {
		churned = churned || e.EventName == "user_churned"
	}
	if !churned {
		t.Errorf("user_churned not audited: %+v", events)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.checkout("user-1")
	env.api.markPaid(sessionID)
	asAdmin := func(r *http.Request) { r.Header.Set("X-API-Key", testAdminKey) }

	if rec := env.do(http.MethodPost, "/admin/reconcile/"+sessionID, nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin without key status = %d, want 401", rec.Code)
	}

	rec := env.do(http.MethodPost, "/admin/reconcile/"+sessionID, nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp adminReconcileResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Transitioned || resp.Purchase == nil || !resp.Purchase.IsPaid() {
		t.Errorf("reconcile response = %+v", resp)
	}

	rec = env.do(http.MethodPost, "/admin/reconcile/"+sessionID, nil, asAdmin)
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Transitioned || resp.Purchase == nil {
		t.Errorf("second reconcile = %+v", resp)
	}

	if rec := env.do(http.MethodGet, "/admin/test-transactional?userId=user-1", nil, asAdmin); rec.Code != http.StatusOK {
		t.Errorf("test email status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodGet, "/admin/test-transactional?userId=nobody", nil, asAdmin); rec.Code != http.StatusNotFound {
		t.Errorf("test email unknown user status = %d, want 404", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/admin/notifications/", nil, asAdmin); rec.Code != http.StatusOK {
		t.Errorf("notifications list status = %d", rec.Code)
	}
}

func TestMetricsEndpointProtection(t *testing.T) {
	h := adminMetricsAuth("secret")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d", rec.Code)
	}
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(requestMetrics(m))
	r.Post("/api/purchases/{id}/scheduled", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for _, id := range []string{"p1", "p2", "p3"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/purchases/"+id+"/scheduled", nil))
	}

	if n := promtest.CollectAndCount(m.HTTPRequestDuration); n != 1 {
		t.Errorf("expected one series for three ids, got %d", n)
	}
}
