package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Checkout       CheckoutConfig       `yaml:"checkout"`
	Auth           AuthConfig           `yaml:"auth"`
	Storage        StorageConfig        `yaml:"storage"`
	CustomerIO     CustomerIOConfig     `yaml:"customerio"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	PublicURL          string   `yaml:"public_url"` // Externally visible base URL used to build redirect targets
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
}

// StripeConfig holds Stripe payment integration configuration.
type StripeConfig struct {
	SecretKey       string   `yaml:"secret_key"`
	WebhookSecret   string   `yaml:"webhook_secret"`
	SuccessURL      string   `yaml:"success_url"` // Defaults to the redirect callback endpoint
	CancelURL       string   `yaml:"cancel_url"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ProductCacheTTL Duration `yaml:"product_cache_ttl"`
	// TestModeAutoApprove treats non-livemode sessions as paid regardless of payment status.
	TestModeAutoApprove bool `yaml:"test_mode_auto_approve"`
}

// CheckoutConfig describes the single coaching product sold through checkout.
type CheckoutConfig struct {
	ProductName        string `yaml:"product_name"`
	ProductDescription string `yaml:"product_description"`
	UnitAmountCents    int64  `yaml:"unit_amount_cents"`
	Currency           string `yaml:"currency"`
	StripePriceID      string `yaml:"stripe_price_id"` // Optional; overrides inline price data when set
}

// AuthConfig holds session validation and redirect-bridge settings.
type AuthConfig struct {
	JWTSecret         string   `yaml:"jwt_secret"`          // Shared secret of the hosted auth provider (HS256)
	JWTIssuer         string   `yaml:"jwt_issuer"`          // Optional expected issuer
	AccessTokenCookie string   `yaml:"access_token_cookie"` // Cookie carrying the provider access token
	BridgeCookieName  string   `yaml:"bridge_cookie_name"`
	BridgeSecret      string   `yaml:"bridge_secret"` // Signs the bridge cookie; defaults to jwt_secret
	BridgeTTL         Duration `yaml:"bridge_ttl"`
	SecureCookies     bool     `yaml:"secure_cookies"`
	LoginPath         string   `yaml:"login_path"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string              `yaml:"backend"` // "memory", "postgres", or "mongodb"
	PostgresURL     string              `yaml:"postgres_url"`
	MongoDBURL      string              `yaml:"mongodb_url"`
	MongoDBDatabase string              `yaml:"mongodb_database"`
	QueryTimeout    Duration            `yaml:"query_timeout"`
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`
}

// SchemaMappingConfig holds table/collection name mappings for custom schemas.
type SchemaMappingConfig struct {
	Purchases     TableMappingConfig `yaml:"purchases"`
	Users         TableMappingConfig `yaml:"users"`
	AuditEvents   TableMappingConfig `yaml:"audit_events"`
	SessionPrep   TableMappingConfig `yaml:"session_prep"`
	Notifications TableMappingConfig `yaml:"notifications"`
}

// TableMappingConfig defines a single table/collection mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"`
}

// CustomerIOConfig holds credentials for the Customer.io Track and App APIs.
type CustomerIOConfig struct {
	SiteID   string `yaml:"site_id"`
	TrackKey string `yaml:"track_api_key"`
	AppKey   string `yaml:"app_api_key"`
	Region   string `yaml:"region"` // us | eu
	Disabled bool   `yaml:"disabled"`
}

// NotificationsConfig controls order-completed side effects.
type NotificationsConfig struct {
	Mode                string      `yaml:"mode"` // direct | outbox
	DefaultProductName  string      `yaml:"default_product_name"`
	OrderEmailMessageID string      `yaml:"order_email_message_id"`
	StepTimeout         Duration    `yaml:"step_timeout"`
	PollInterval        Duration    `yaml:"poll_interval"`
	BatchSize           int         `yaml:"batch_size"`
	Retry               RetryConfig `yaml:"retry"`
}

// RetryConfig holds outbox retry configuration.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum delivery attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
	Jitter          float64  `yaml:"jitter"`           // Fraction of each delay randomized, 0 to 1 (default: 0.2)
}

// IdempotencyConfig selects where checkout idempotency keys are cached.
type IdempotencyConfig struct {
	Backend  string   `yaml:"backend"` // memory | redis
	RedisURL string   `yaml:"redis_url"`
	TTL      Duration `yaml:"ttl"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-user limiting keyed by the authenticated user id.
	PerUserEnabled bool     `yaml:"per_user_enabled"`
	PerUserLimit   int      `yaml:"per_user_limit"`
	PerUserWindow  Duration `yaml:"per_user_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// APIKeyConfig maps operator API keys to tiers. Admin endpoints require the admin tier.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // API key -> tier (admin, partner)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled    bool                 `yaml:"enabled"`
	StripeAPI  BreakerServiceConfig `yaml:"stripe_api"`
	CustomerIO BreakerServiceConfig `yaml:"customerio"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
