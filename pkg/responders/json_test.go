package responders

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusOK, map[string]string{"url": "https://checkout.stripe.com/c/pay?a=1&b=2"})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %s", ct)
	}
	if !strings.Contains(rec.Body.String(), "a=1&b=2") {
		t.Errorf("expected unescaped ampersand, got %s", rec.Body.String())
	}
}

func TestJSONNilPayload(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusNoContent, nil)
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestJSONUnencodablePayload(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		t.Error("failed encoding must not claim a JSON body")
	}
}

func TestRedirect(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/stripe/callback", nil)
	rec := httptest.NewRecorder()
	Redirect(rec, req, "/dashboard/purchase")

	if rec.Code != http.StatusSeeOther {
		t.Errorf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/dashboard/purchase" {
		t.Errorf("location = %s", loc)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected no-store")
	}
}
