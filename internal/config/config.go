package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration in three layers: defaults, then the YAML
// file at path (optional), then COACHDESK_* environment variables. The
// result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.decodeYAML(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML expands ${VAR} references and decodes strictly: a misspelled
// key is an error rather than a silently ignored setting.
func (c *Config) decodeYAML(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// defaultConfig is the base that the file and the environment override.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			PublicURL:    "http://localhost:8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Stripe: StripeConfig{
			RequestTimeout:      Duration{Duration: 10 * time.Second},
			ProductCacheTTL:     Duration{Duration: 10 * time.Minute},
			TestModeAutoApprove: true,
		},
		Checkout: CheckoutConfig{
			ProductName:        "Consulting Session",
			ProductDescription: "30-minute coaching session",
			UnitAmountCents:    9900,
			Currency:           "usd",
		},
		Auth: AuthConfig{
			AccessTokenCookie: "sb-access-token",
			BridgeCookieName:  "stripe_temp_access",
			BridgeTTL:         Duration{Duration: 5 * time.Minute},
			SecureCookies:     true,
			LoginPath:         "/auth/login",
		},
		Storage: StorageConfig{
			Backend:      "memory",
			QueryTimeout: Duration{Duration: 5 * time.Second},
		},
		CustomerIO: CustomerIOConfig{
			Region: "us",
		},
		Notifications: NotificationsConfig{
			Mode:                "direct",
			DefaultProductName:  "Consulting Session",
			OrderEmailMessageID: "order_completed",
			StepTimeout:         Duration{Duration: 5 * time.Second},
			PollInterval:        Duration{Duration: 2 * time.Second},
			BatchSize:           10,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
				Jitter:          0.2,
			},
		},
		Idempotency: IdempotencyConfig{
			Backend: "memory",
			TTL:     Duration{Duration: 24 * time.Hour},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:  true,
			GlobalLimit:    1000,
			GlobalWindow:   Duration{Duration: 1 * time.Minute},
			PerUserEnabled: true,
			PerUserLimit:   60,
			PerUserWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:   true,
			PerIPLimit:     120,
			PerIPWindow:    Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			StripeAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			CustomerIO: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}
