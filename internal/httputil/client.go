// Package httputil builds the outbound HTTP clients for Stripe and Customer.io.
package httputil

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Option func(*http.Client)

// WithObserver records every round trip's latency, labelled by status code
// and method, into obs.
func WithObserver(obs prometheus.ObserverVec) Option {
	return func(c *http.Client) {
		if obs == nil {
			return
		}
		c.Transport = promhttp.InstrumentRoundTripperDuration(obs, c.Transport)
	}
}

// NewClient returns a client with its own pooled transport. Upstreams get
// separate clients so one slow provider cannot exhaust the other's pool.
func NewClient(timeout time.Duration, opts ...Option) *http.Client {
	c := &http.Client{
		Timeout:   timeout,
		Transport: newTransport(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	t.TLSHandshakeTimeout = 10 * time.Second
	return t
}
