package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TimeQuery starts timing a storage call; invoke the returned func when it completes.
//
//	defer s.metrics.TimeQuery("postgres", "get_purchase")()
func (m *Metrics) TimeQuery(backend, operation string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() { m.ObserveDBQuery(operation, backend, time.Since(start)) }
}

// ObserveBreakerState publishes a circuit breaker transition. The gauge holds
// 0 (closed), 1 (half-open) or 2 (open).
func (m *Metrics) ObserveBreakerState(service, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(service).Set(v)
	m.BreakerTransitionsTotal.WithLabelValues(service, state).Inc()
}

// UpstreamObserver returns the latency histogram curried to one upstream,
// or nil when metrics are off.
func (m *Metrics) UpstreamObserver(upstream string) prometheus.ObserverVec {
	if m == nil {
		return nil
	}
	return m.UpstreamDuration.MustCurryWith(prometheus.Labels{"upstream": upstream})
}

// ObserveHTTP records one served request. route is the router pattern, not
// the raw path, so ids in URLs do not create new series.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}
