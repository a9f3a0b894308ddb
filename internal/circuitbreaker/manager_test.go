package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerDisabledPassesThrough(t *testing.T) {
	m := NewManager(Config{Enabled: false})

	called := 0
	for i := 0; i < 20; i++ {
		_ = m.Run(ServiceStripe, func() error {
			called++
			return errors.New("boom")
		})
	}
	if called != 20 {
		t.Errorf("expected every call to pass through, got %d", called)
	}
	if state := m.State(ServiceStripe); state != "disabled" {
		t.Errorf("state = %s, want disabled", state)
	}
}

func TestManagerTripsAfterConsecutiveFailures(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cfg := DefaultConfig().Tune(ServiceCustomerIO, func(p *Policy) {
		p.ConsecutiveFailures = 3
		p.Timeout = time.Minute
	})
	cfg.OnChange = func(s Service, state string) {
		mu.Lock()
		defer mu.Unlock()
		if s == ServiceCustomerIO {
			transitions = append(transitions, state)
		}
	}
	m := NewManager(cfg)

	for i := 0; i < 3; i++ {
		_ = m.Run(ServiceCustomerIO, func() error { return errors.New("503") })
	}

	if state := m.State(ServiceCustomerIO); state != "open" {
		t.Fatalf("state = %s, want open", state)
	}

	err := m.Run(ServiceCustomerIO, func() error {
		t.Fatal("call should be rejected while open")
		return nil
	})
	if !IsOpen(err) {
		t.Errorf("expected open-state error, got %v", err)
	}

	if state := m.State(ServiceStripe); state != "closed" {
		t.Errorf("stripe breaker state = %s, want closed", state)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || transitions[0] != "closed" || transitions[1] != "open" {
		t.Errorf("transitions = %v, want [closed open]", transitions)
	}
}

func TestPolicyFailureRatio(t *testing.T) {
	cfg := DefaultConfig().Tune(ServiceStripe, func(p *Policy) {
		p.ConsecutiveFailures = 0
		p.FailureRatio = 0.5
		p.MinRequests = 4
	})
	m := NewManager(cfg)

	results := []error{nil, errors.New("x"), nil, errors.New("x")}
	for _, r := range results {
		r := r
		_ = m.Run(ServiceStripe, func() error { return r })
	}
	if state := m.State(ServiceStripe); state != "open" {
		t.Errorf("state = %s, want open at 50%% failures", state)
	}
}

func TestTuneDoesNotMutateOriginal(t *testing.T) {
	base := DefaultConfig()
	_ = base.Tune(ServiceStripe, func(p *Policy) { p.ConsecutiveFailures = 1 })
	if got := base.Policies[ServiceStripe].ConsecutiveFailures; got != 5 {
		t.Errorf("original policy changed to %d", got)
	}
}

func TestManagerCounts(t *testing.T) {
	m := NewManager(DefaultConfig())

	_ = m.Run(ServiceStripe, func() error { return nil })
	_ = m.Run(ServiceStripe, func() error { return errors.New("fail") })

	c := m.Counts(ServiceStripe)
	if c.Requests != 2 || c.TotalSuccesses != 1 || c.TotalFailures != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
}

func TestStates(t *testing.T) {
	got := NewManager(DefaultConfig()).States()
	if got["stripe_api"] != "closed" || got["customerio"] != "closed" {
		t.Errorf("states = %v", got)
	}
}

func TestNilManager(t *testing.T) {
	var m *Manager
	if err := m.Run(ServiceStripe, func() error { return nil }); err != nil {
		t.Errorf("nil manager should pass through, got %v", err)
	}
	if m.State(ServiceCustomerIO) != "disabled" {
		t.Error("nil manager should report disabled")
	}
}
