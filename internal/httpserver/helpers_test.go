package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/coachdesk/server/internal/analytics"
	"github.com/coachdesk/server/internal/auth"
	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/customerio"
	"github.com/coachdesk/server/internal/idempotency"
	"github.com/coachdesk/server/internal/notify"
	"github.com/coachdesk/server/internal/reconcile"
	"github.com/coachdesk/server/internal/storage"
	stripesvc "github.com/coachdesk/server/internal/stripe"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_test"
	testAdminKey      = "admin-key"
)

// fakeStripeAPI serves checkout sessions from memory.
type fakeStripeAPI struct {
	mu       sync.Mutex
	sessions map[string]*stripeapi.CheckoutSession
	created  int
	getErr   error
}

func (f *fakeStripeAPI) NewCheckoutSession(params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := fmt.Sprintf("cs_test_%d", f.created)
	s := &stripeapi.CheckoutSession{
		ID:            id,
		URL:           "https://checkout.stripe.com/c/pay/" + id,
		AmountTotal:   9900,
		Currency:      stripeapi.CurrencyUSD,
		Metadata:      params.Metadata,
		PaymentStatus: stripeapi.CheckoutSessionPaymentStatusUnpaid,
		Status:        stripeapi.CheckoutSessionStatusOpen,
		Livemode:      true,
	}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeStripeAPI) GetCheckoutSession(id string, _ *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, &stripeapi.Error{HTTPStatusCode: 404, Code: stripeapi.ErrorCodeResourceMissing}
	}
	copied := *s
	return &copied, nil
}

func (f *fakeStripeAPI) ListLineItems(string, *stripeapi.CheckoutSessionListLineItemsParams) ([]*stripeapi.LineItem, error) {
	return []*stripeapi.LineItem{{Description: "Coaching Session"}}, nil
}

func (f *fakeStripeAPI) GetProduct(id string, _ *stripeapi.ProductParams) (*stripeapi.Product, error) {
	return nil, errors.New("not used")
}

// markPaid simulates the customer completing checkout.
func (f *fakeStripeAPI) markPaid(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.PaymentStatus = stripeapi.CheckoutSessionPaymentStatusPaid
	s.Status = stripeapi.CheckoutSessionStatusComplete
}

// fakeCIO records Customer.io traffic.
type fakeCIO struct {
	mu         sync.Mutex
	tracks     []string
	identified []string
	emails     []customerio.Email
	trackErr   error
}

func (f *fakeCIO) Track(_ context.Context, userID, eventName string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return f.trackErr
	}
	f.tracks = append(f.tracks, userID+":"+eventName)
	return nil
}

func (f *fakeCIO) Identify(_ context.Context, userID string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identified = append(f.identified, userID)
	return nil
}

func (f *fakeCIO) SendTransactional(_ context.Context, email customerio.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, email)
	return nil
}

func (f *fakeCIO) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tracks {
		if strings.HasSuffix(t, ":"+event) {
			n++
		}
	}
	return n
}

func (f *fakeCIO) emailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emails)
}

type testEnv struct {
	t      *testing.T
	router chi.Router
	cfg    *config.Config
	store  *storage.MemoryStore
	api    *fakeStripeAPI
	cio    *fakeCIO
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{PublicURL: "https://coach.example"},
		Stripe: config.StripeConfig{
			WebhookSecret:       testWebhookSecret,
			SuccessURL:          "https://coach.example/api/stripe/callback?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:           "https://coach.example/dashboard/purchase",
			RequestTimeout:      config.Duration{Duration: time.Second},
			TestModeAutoApprove: true,
		},
		Checkout: config.CheckoutConfig{
			ProductName:     "Consulting Session",
			UnitAmountCents: 9900,
			Currency:        "usd",
		},
		Auth: config.AuthConfig{
			JWTSecret:        testJWTSecret,
			BridgeCookieName: auth.DefaultBridgeCookie,
			LoginPath:        auth.DefaultLoginPath,
		},
		Idempotency: config.IdempotencyConfig{TTL: config.Duration{Duration: time.Hour}},
		APIKey: config.APIKeyConfig{
			Enabled: true,
			Keys:    map[string]string{testAdminKey: "admin"},
		},
	}
}

// unwritablePurchases fails every paid transition as if the database were down.
type unwritablePurchases struct{ storage.PurchaseStore }

func (unwritablePurchases) MarkPurchasePaid(context.Context, string, time.Time) (storage.Purchase, error) {
	return storage.Purchase{}, errors.New("db down")
}

// newTestEnv wires the real stripe client, verifier, reconciler and notifier
// against in-memory fakes of Stripe and Customer.io.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(s storage.PurchaseStore) storage.PurchaseStore { return s })
}

// newTestEnvWith lets a test swap the store the reconciler writes through.
func newTestEnvWith(t *testing.T, reconcileStore func(storage.PurchaseStore) storage.PurchaseStore) *testEnv {
	t.Helper()
	cfg := testConfig()
	log := zerolog.Nop()

	store := storage.NewMemoryStore()
	api := &fakeStripeAPI{sessions: make(map[string]*stripeapi.CheckoutSession)}
	cio := &fakeCIO{}

	stripeClient := stripesvc.NewClient(cfg.Stripe, api, nil, nil, log)
	verifier := stripesvc.NewVerifier(stripeClient, cfg.Stripe.TestModeAutoApprove, nil)
	notifier := notify.NewService(notify.Options{
		Config:  notify.Config{Mode: notify.ModeDirect, StepTimeout: time.Second},
		Tracker: cio,
		Mailer:  cio,
		Audit:   store,
		Users:   store,
		Logger:  log,
	})
	pipeline := reconcile.NewPipeline(verifier, reconcile.NewReconciler(reconcileStore(store), nil, log), notifier, log)
	analyticsSvc := analytics.NewService(cio, store, log)

	tokens := auth.NewTokenManager(cfg.Auth)
	authenticator := auth.NewAuthenticator(cfg.Auth, tokens, auth.NewUserProvisioner(store, analyticsSvc, log), log)

	idem := idempotency.NewMemoryStore()
	t.Cleanup(func() { _ = idem.Close() })

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, Deps{
		Store:            store,
		Payments:         stripeClient,
		Confirmer:        pipeline,
		Analytics:        analyticsSvc,
		TestEmails:       notifier,
		Auth:             authenticator,
		IdempotencyStore: idem,
		Logger:           log,
	})

	return &testEnv{t: t, router: router, cfg: cfg, store: store, api: api, cio: cio}
}

func (e *testEnv) sessionToken(userID, email string) string {
	e.t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"user_metadata": map[string]any{
			"name": "Ada Lovelace",
		},
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		e.t.Fatalf("sign session: %v", err)
	}
	return token
}

func (e *testEnv) do(method, path string, body io.Reader, mutate func(*http.Request)) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) asUser(userID string) func(*http.Request) {
	token := e.sessionToken(userID, userID+"@example.com")
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

// checkout creates a pending purchase for userID through the API.
func (e *testEnv) checkout(userID string) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/stripe/checkout", nil, e.asUser(userID))
	if rec.Code != http.StatusOK {
		e.t.Fatalf("checkout status = %d: %s", rec.Code, rec.Body.String())
	}
	p, err := e.store.ListPurchasesByUser(context.Background(), userID)
	if err != nil || len(p) == 0 {
		e.t.Fatalf("no purchase recorded: %v", err)
	}
	return p[0].SessionID
}

func signWebhook(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func completedEvent(sessionID, userID string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_%s","object":"event","api_version":%q,"type":"checkout.session.completed","livemode":true,"data":{"object":{"id":%q,"object":"checkout.session","amount_total":9900,"currency":"usd","metadata":{"userId":%q}}}}`,
		sessionID, stripeapi.APIVersion, sessionID, userID))
}
