package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/coachdesk/server/internal/auth"
	"github.com/coachdesk/server/internal/storage"
)

func TestCheckoutRequiresUser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/stripe/checkout", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCheckoutCreatesPendingPurchase(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/stripe/checkout", nil, env.asUser("user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp checkoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.URL == "" || resp.SessionID == "" {
		t.Fatalf("response = %+v", resp)
	}

	p, err := env.store.GetPurchaseBySession(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("purchase not stored: %v", err)
	}
	if p.Status != storage.PurchaseStatusPending || p.UserID != "user-1" || p.AmountCents != 9900 || p.Currency != "usd" {
		t.Errorf("purchase = %+v", p)
	}
	if got := env.api.sessions[resp.SessionID].Metadata["userId"]; got != "user-1" {
		t.Errorf("session metadata userId = %q", got)
	}
}

func TestCheckoutIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	withKey := func(r *http.Request) {
		env.asUser("user-1")(r)
		r.Header.Set("Idempotency-Key", "checkout-1")
	}

	first := env.do(http.MethodPost, "/api/stripe/checkout", nil, withKey)
	second := env.do(http.MethodPost, "/api/stripe/checkout", nil, withKey)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if env.api.created != 1 {
		t.Errorf("stripe sessions created = %d, want 1", env.api.created)
	}
}

func TestWebhookRejectsUnsignedDeliveries(t *testing.T) {
	env := newTestEnv(t)
	payload := completedEvent("cs_test_1", "user-1")

	tests := []struct {
		name      string
		signature string
		wantCode  string
	}{
		{"missing signature", "", "missing_signature"},
		{"bad signature", "t=1,v1=deadbeef", "invalid_signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload), func(r *http.Request) {
				if tt.signature != "" {
					r.Header.Set("Stripe-Signature", tt.signature)
				}
			})
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantCode) {
				t.Errorf("body = %s, want code %s", rec.Body.String(), tt.wantCode)
			}
		})
	}
}

func TestWebhookAcknowledgesUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	payload := completedEvent("cs_missing", "user-1")

	rec := env.do(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload), func(r *http.Request) {
		r.Header.Set("Stripe-Signature", signWebhook(payload))
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when verification fails", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"received":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestWebhookThenRedirectSendsOneEmail(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.checkout("user-1")
	env.api.markPaid(sessionID)

	payload := completedEvent(sessionID, "user-1")
	rec := env.do(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload), func(r *http.Request) {
		r.Header.Set("Stripe-Signature", signWebhook(payload))
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", rec.Code, rec.Body.String())
	}

	p, err := env.store.GetPurchaseBySession(context.Background(), sessionID)
	if err != nil || !p.IsPaid() || p.PaidAt == nil {
		t.Fatalf("purchase after webhook = %+v, %v", p, err)
	}
	if env.cio.emailCount() != 1 {
		t.Fatalf("emails after webhook = %d, want 1", env.cio.emailCount())
	}

	rec = env.do(http.MethodGet, "/api/stripe/callback?session_id="+sessionID, nil, nil)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("callback status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/dashboard?stripe_session="+sessionID {
		t.Errorf("callback location = %q", loc)
	}
	if env.cio.emailCount() != 1 {
		t.Errorf("emails after redirect = %d, want still 1", env.cio.emailCount())
	}
	if n := env.cio.count("order_completed"); n != 1 {
		t.Errorf("order_completed tracked %d times", n)
	}
}

func TestCallbackRedirects(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
	}{
		{"missing session id", "/api/stripe/callback"},
		{"unknown session", "/api/stripe/callback?session_id=cs_missing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, tt.path, nil, nil)
			if rec.Code != http.StatusSeeOther {
				t.Fatalf("status = %d", rec.Code)
			}
			if loc := rec.Header().Get("Location"); loc != purchasePath {
				t.Errorf("location = %q, want %q", loc, purchasePath)
			}
			if len(rec.Result().Cookies()) != 0 {
				t.Error("bridge cookie set on failure path")
			}
		})
	}
}

func TestCallbackBridgesIntoDashboard(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.checkout("user-1")
	env.api.markPaid(sessionID)

	rec := env.do(http.MethodGet, "/api/stripe/callback?session_id="+sessionID, nil, nil)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("callback status = %d", rec.Code)
	}

	var bridge *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.DefaultBridgeCookie {
			bridge = c
		}
	}
	if bridge == nil {
		t.Fatal("bridge cookie not set")
	}
	if !bridge.HttpOnly || bridge.SameSite != http.SameSiteLaxMode || bridge.Path != "/" {
		t.Errorf("bridge cookie attributes = %+v", bridge)
	}
	if env.cio.emailCount() != 1 {
		t.Errorf("emails = %d, want 1", env.cio.emailCount())
	}

	// Without a provider session the bridge cookie alone opens the dashboard.
	rec = env.do(http.MethodGet, "/dashboard", nil, func(r *http.Request) { r.AddCookie(bridge) })
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard via bridge status = %d: %s", rec.Code, rec.Body.String())
	}
	var page dashboardResponse
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !page.HasPaidSession || page.User.ID != "user-1" {
		t.Errorf("dashboard = %+v", page)
	}
}

func TestCallbackStoreFailureStillBridgesPaidUser(t *testing.T) {
	env := newTestEnvWith(t, func(s storage.PurchaseStore) storage.PurchaseStore {
		return unwritablePurchases{s}
	})
	sessionID := env.checkout("user-1")
	env.api.markPaid(sessionID)

	rec := env.do(http.MethodGet, "/api/stripe/callback?session_id="+sessionID, nil, nil)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("callback status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/dashboard?stripe_session="+sessionID {
		t.Errorf("location = %q, want the dashboard", loc)
	}
	bridged := false
	for _, c := range rec.Result().Cookies() {
		bridged = bridged || c.Name == auth.DefaultBridgeCookie
	}
	if !bridged {
		t.Error("bridge cookie not set")
	}

	p, err := env.store.GetPurchaseBySession(context.Background(), sessionID)
	if err != nil || p.IsPaid() {
		t.Errorf("purchase = %+v, %v; want still pending for the next trigger", p, err)
	}
	if env.cio.emailCount() != 0 {
		t.Errorf("emails = %d, want 0 before the write succeeds", env.cio.emailCount())
	}
}

func TestConcurrentTriggersNotifyOnce(t *testing.T) {
	env := newTestEnv(t)
	sessionID := env.checkout("user-1")
	env.api.markPaid(sessionID)
	payload := completedEvent(sessionID, "user-1")
	asUser := env.asUser("user-1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			env.do(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload), func(r *http.Request) {
				r.Header.Set("Stripe-Signature", signWebhook(payload))
			})
		}()
		go func() {
			defer wg.Done()
			env.do(http.MethodGet, "/api/stripe/callback?session_id="+sessionID, nil, nil)
		}()
		go func() {
			defer wg.Done()
			env.do(http.MethodGet, "/dashboard?session_id="+sessionID, nil, asUser)
		}()
	}
	wg.Wait()

	if n := env.cio.emailCount(); n != 1 {
		t.Errorf("emails = %d, want exactly 1", n)
	}
	if n := env.cio.count("payment_completed"); n != 1 {
		t.Errorf("payment_completed tracked %d times, want 1", n)
	}
}
