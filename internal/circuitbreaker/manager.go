// Package circuitbreaker isolates calls to Stripe and Customer.io behind
// per-upstream breakers so one failing provider cannot stall the other.
package circuitbreaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/coachdesk/server/internal/config"
)

// Service names an upstream with its own breaker.
type Service string

const (
	ServiceStripe     Service = "stripe_api"
	ServiceCustomerIO Service = "customerio"
)

// Services lists every upstream that gets a breaker.
var Services = []Service{ServiceStripe, ServiceCustomerIO}

// Policy decides when a breaker trips and how it recovers.
type Policy struct {
	MaxRequests uint32        // trial requests allowed while half-open
	Interval    time.Duration // closed-state count reset; 0 never resets
	Timeout     time.Duration // open duration before half-open

	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

func (p Policy) shouldTrip(c gobreaker.Counts) bool {
	if p.ConsecutiveFailures > 0 && c.ConsecutiveFailures >= p.ConsecutiveFailures {
		return true
	}
	if p.FailureRatio <= 0 || p.MinRequests == 0 || c.Requests < p.MinRequests {
		return false
	}
	return float64(c.TotalFailures)/float64(c.Requests) >= p.FailureRatio
}

// TransitionFunc observes breaker state changes, e.g. to export a gauge.
type TransitionFunc func(service Service, state string)

type Config struct {
	Enabled  bool
	Policies map[Service]Policy
	Logger   zerolog.Logger
	OnChange TransitionFunc
}

// DefaultConfig trips Stripe quickly and gives Customer.io more slack.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Policies: map[Service]Policy{
			ServiceStripe: {
				MaxRequests:         3,
				Interval:            time.Minute,
				Timeout:             30 * time.Second,
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			ServiceCustomerIO: {
				MaxRequests:         5,
				Interval:            time.Minute,
				Timeout:             time.Minute,
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
		Logger: zerolog.Nop(),
	}
}

// Tune returns a copy of c with the policy for service adjusted by fn.
func (c Config) Tune(service Service, fn func(*Policy)) Config {
	policies := make(map[Service]Policy, len(c.Policies))
	for k, v := range c.Policies {
		policies[k] = v
	}
	p := policies[service]
	fn(&p)
	policies[service] = p
	c.Policies = policies
	return c
}

func policyFromConfig(cfg config.BreakerServiceConfig) Policy {
	return Policy{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	}
}

// NewManagerFromConfig builds breakers from the circuit_breaker config section.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, logger zerolog.Logger, onChange TransitionFunc) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		Policies: map[Service]Policy{
			ServiceStripe:     policyFromConfig(cfg.StripeAPI),
			ServiceCustomerIO: policyFromConfig(cfg.CustomerIO),
		},
		Logger:   logger,
		OnChange: onChange,
	})
}

// Manager holds one breaker per Service. A nil or disabled Manager passes
// every call straight through.
type Manager struct {
	breakers map[Service]*gobreaker.CircuitBreaker
}

func NewManager(cfg Config) *Manager {
	m := &Manager{breakers: make(map[Service]*gobreaker.CircuitBreaker)}
	if !cfg.Enabled {
		return m
	}
	for service, policy := range cfg.Policies {
		m.breakers[service] = gobreaker.NewCircuitBreaker(settings(service, policy, cfg.Logger, cfg.OnChange))
		if cfg.OnChange != nil {
			cfg.OnChange(service, gobreaker.StateClosed.String())
		}
	}
	return m
}

func settings(service Service, policy Policy, logger zerolog.Logger, onChange TransitionFunc) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        string(service),
		MaxRequests: policy.MaxRequests,
		Interval:    policy.Interval,
		Timeout:     policy.Timeout,
		ReadyToTrip: policy.shouldTrip,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", string(service)).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit_breaker.state_change")
			if onChange != nil {
				onChange(service, to.String())
			}
		},
	}
}

func (m *Manager) breaker(service Service) *gobreaker.CircuitBreaker {
	if m == nil {
		return nil
	}
	return m.breakers[service]
}

// Run executes fn through the service's breaker.
func (m *Manager) Run(service Service, fn func() error) error {
	cb := m.breaker(service)
	if cb == nil {
		return fn()
	}
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State is "closed", "half-open", "open" or "disabled".
func (m *Manager) State(service Service) string {
	cb := m.breaker(service)
	if cb == nil {
		return "disabled"
	}
	return cb.State().String()
}

// States reports every breaker for the health endpoint.
func (m *Manager) States() map[string]string {
	out := make(map[string]string, len(Services))
	for _, s := range Services {
		out[string(s)] = m.State(s)
	}
	return out
}

// Counts exposes the current window's counters.
func (m *Manager) Counts(service Service) gobreaker.Counts {
	cb := m.breaker(service)
	if cb == nil {
		return gobreaker.Counts{}
	}
	return cb.Counts()
}
