package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewClientTimeout(t *testing.T) {
	c := NewClient(3 * time.Second)
	if c.Timeout != 3*time.Second {
		t.Errorf("timeout = %v", c.Timeout)
	}
	if _, ok := c.Transport.(*http.Transport); !ok {
		t.Errorf("transport = %T, want *http.Transport", c.Transport)
	}
	if NewClient(time.Second).Transport == c.Transport {
		t.Error("clients must not share a transport")
	}
}

func TestWithObserverRecordsRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_upstream_seconds"}, []string{"code", "method"})
	c := NewClient(time.Second, WithObserver(hist))

	resp, err := c.Post(srv.URL, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if n := promtest.CollectAndCount(hist); n != 1 {
		t.Errorf("observed series = %d, want 1", n)
	}
}

func TestWithObserverNilIsNoop(t *testing.T) {
	c := NewClient(time.Second, WithObserver(nil))
	if _, ok := c.Transport.(*http.Transport); !ok {
		t.Errorf("nil observer should leave the transport alone, got %T", c.Transport)
	}
}
