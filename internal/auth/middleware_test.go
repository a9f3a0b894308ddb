package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/storage"
)

type recordingProvisioner struct {
	mu  sync.Mutex
	ids []Identity
}

func (p *recordingProvisioner) EnsureUser(_ context.Context, id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
}

func newTestAuthenticator(t *testing.T, prov Provisioner) (*Authenticator, *TokenManager) {
	t.Helper()
	cfg := config.AuthConfig{JWTSecret: testSecret, JWTIssuer: "https://auth.example.com"}
	tokens := NewTokenManager(cfg)
	return NewAuthenticator(cfg, tokens, prov, zerolog.Nop()), tokens
}

func identityEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(id)
	})
}

func TestMiddlewareIdentitySources(t *testing.T) {
	prov := &recordingProvisioner{}
	a, tokens := newTestAuthenticator(t, prov)
	session := signSession(t, testSecret, validClaims())
	bridge, _, err := tokens.IssueBridge("user-bridge")
	if err != nil {
		t.Fatalf("issue bridge: %v", err)
	}

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantUser   string
		wantBridge bool
	}{
		{"anonymous", func(*http.Request) {}, "", false},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+session) }, "user-123", false},
		{"access cookie", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: DefaultAccessTokenCookie, Value: session})
		}, "user-123", false},
		{"bridge cookie", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: DefaultBridgeCookie, Value: bridge})
		}, "user-bridge", true},
		{"session wins over bridge", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: DefaultAccessTokenCookie, Value: session})
			r.AddCookie(&http.Cookie{Name: DefaultBridgeCookie, Value: bridge})
		}, "user-123", false},
		{"invalid session falls back to bridge", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer junk")
			r.AddCookie(&http.Cookie{Name: DefaultBridgeCookie, Value: bridge})
		}, "user-bridge", true},
		{"forged bridge", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: DefaultBridgeCookie, Value: "forged"})
		}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			a.Middleware(identityEcho()).ServeHTTP(rec, req)

			if tt.wantUser == "" {
				if rec.Code != http.StatusNoContent {
					t.Fatalf("expected anonymous, got %d %s", rec.Code, rec.Body.String())
				}
				return
			}
			var got Identity
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.UserID != tt.wantUser || got.ViaBridge != tt.wantBridge {
				t.Errorf("identity = %+v, want user %q bridge %v", got, tt.wantUser, tt.wantBridge)
			}
		})
	}

	// Only provider sessions are provisioned.
	for _, id := range prov.ids {
		if id.ViaBridge || id.UserID != "user-123" {
			t.Errorf("unexpected provisioning of %+v", id)
		}
	}
	if len(prov.ids) != 3 {
		t.Errorf("provisioned %d times, want 3", len(prov.ids))
	}
}

func TestRequireAPIUser(t *testing.T) {
	a, _ := newTestAuthenticator(t, nil)
	h := a.Middleware(a.RequireAPIUser(identityEcho()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/track", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unauthorized") {
		t.Errorf("body = %s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/track", nil)
	req.Header.Set("Authorization", "Bearer "+signSession(t, testSecret, validClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d", rec.Code)
	}
}

func TestRequirePageUserRedirectsToLogin(t *testing.T) {
	a, _ := newTestAuthenticator(t, nil)
	h := a.Middleware(a.RequirePageUser(identityEcho()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard?session_id=cs_1", nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	want := "/auth/login?redirect=%2Fdashboard%3Fsession_id%3Dcs_1"
	if got := rec.Header().Get("Location"); got != want {
		t.Errorf("location = %q, want %q", got, want)
	}
}

func TestSetBridgeCookie(t *testing.T) {
	a, tokens := newTestAuthenticator(t, nil)
	a.secureCookies = true

	rec := httptest.NewRecorder()
	if err := a.SetBridgeCookie(rec, "user-123"); err != nil {
		t.Fatalf("set cookie: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != DefaultBridgeCookie || !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
		t.Errorf("unexpected cookie attributes %+v", c)
	}
	if userID, err := tokens.ParseBridge(c.Value); err != nil || userID != "user-123" {
		t.Errorf("cookie value parse = %q, %v", userID, err)
	}
}

type fakeProfileTracker struct {
	identified []string
	tracked    []string
}

func (f *fakeProfileTracker) Identify(_ context.Context, u storage.User) error {
	f.identified = append(f.identified, u.ID)
	return nil
}

func (f *fakeProfileTracker) TrackBestEffort(_ context.Context, userID, eventName string, _ map[string]any) {
	f.tracked = append(f.tracked, userID+":"+eventName)
}

func TestUserProvisionerCreatesOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	tracker := &fakeProfileTracker{}
	p := NewUserProvisioner(store, tracker, zerolog.Nop())
	ctx := context.Background()
	id := Identity{UserID: "user-123", Email: "ada@example.com", Name: "Ada"}

	p.EnsureUser(ctx, id)
	p.EnsureUser(ctx, id)

	u, err := store.GetUser(ctx, "user-123")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Email != "ada@example.com" || u.Name != "Ada" {
		t.Errorf("user = %+v", u)
	}
	if len(tracker.identified) != 1 || len(tracker.tracked) != 1 || tracker.tracked[0] != "user-123:user_registered" {
		t.Errorf("identified=%v tracked=%v", tracker.identified, tracker.tracked)
	}
}

func TestUserProvisionerSkipsExistingUser(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.CreateUserIfAbsent(ctx, storage.User{ID: "user-123", Email: "old@example.com"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tracker := &fakeProfileTracker{}
	NewUserProvisioner(store, tracker, zerolog.Nop()).EnsureUser(ctx, Identity{UserID: "user-123", Email: "new@example.com"})

	if len(tracker.tracked) != 0 {
		t.Errorf("existing user announced: %v", tracker.tracked)
	}
}
