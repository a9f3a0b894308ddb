package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coachdesk/server/internal/money"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	c.Server.PublicURL = strings.TrimSuffix(strings.TrimSpace(c.Server.PublicURL), "/")

	// Redirect targets hang off the public URL unless set explicitly.
	if c.Stripe.SuccessURL == "" && c.Server.PublicURL != "" {
		c.Stripe.SuccessURL = c.Server.PublicURL + "/api/stripe/callback?session_id={CHECKOUT_SESSION_ID}"
	}
	if c.Stripe.CancelURL == "" && c.Server.PublicURL != "" {
		c.Stripe.CancelURL = c.Server.PublicURL + "/dashboard/purchase"
	}
	if c.Stripe.RequestTimeout.Duration <= 0 {
		c.Stripe.RequestTimeout = Duration{Duration: 10 * time.Second}
	}

	if c.Checkout.Currency == "" {
		c.Checkout.Currency = "usd"
	}
	c.Checkout.Currency = strings.ToLower(c.Checkout.Currency)
	if c.Checkout.ProductName == "" {
		c.Checkout.ProductName = "Consulting Session"
	}

	if c.Auth.BridgeSecret == "" {
		c.Auth.BridgeSecret = c.Auth.JWTSecret
	}
	if c.Auth.BridgeCookieName == "" {
		c.Auth.BridgeCookieName = "stripe_temp_access"
	}
	if c.Auth.BridgeTTL.Duration <= 0 {
		c.Auth.BridgeTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Auth.LoginPath == "" {
		c.Auth.LoginPath = "/auth/login"
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.QueryTimeout.Duration <= 0 {
		c.Storage.QueryTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Storage.MongoDBDatabase == "" {
		c.Storage.MongoDBDatabase = "coachdesk"
	}

	c.Notifications.Mode = strings.ToLower(strings.TrimSpace(c.Notifications.Mode))
	if c.Notifications.Mode == "" {
		c.Notifications.Mode = "direct"
	}
	if c.Notifications.DefaultProductName == "" {
		c.Notifications.DefaultProductName = c.Checkout.ProductName
	}
	if c.Notifications.StepTimeout.Duration <= 0 {
		c.Notifications.StepTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Notifications.PollInterval.Duration <= 0 {
		c.Notifications.PollInterval = Duration{Duration: 2 * time.Second}
	}
	if c.Notifications.BatchSize <= 0 {
		c.Notifications.BatchSize = 10
	}
	if c.Notifications.Retry.MaxAttempts <= 0 {
		c.Notifications.Retry.MaxAttempts = 5
	}
	if c.Notifications.Retry.Multiplier < 1 {
		c.Notifications.Retry.Multiplier = 2.0
	}
	c.Notifications.Retry.Jitter = max(0, min(c.Notifications.Retry.Jitter, 1))

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "memory"
	}
	if c.Idempotency.TTL.Duration <= 0 {
		c.Idempotency.TTL = Duration{Duration: 24 * time.Hour}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Stripe.SecretKey == "" {
		errs = append(errs, "stripe.secret_key is required")
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, "stripe.webhook_secret is required")
	}
	if c.Stripe.SuccessURL == "" || c.Stripe.CancelURL == "" {
		errs = append(errs, "stripe.success_url and stripe.cancel_url are required when server.public_url is empty")
	}
	if c.Server.PublicURL != "" {
		if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("server.public_url %q is not an absolute URL", c.Server.PublicURL))
		}
	}

	if c.Checkout.UnitAmountCents <= 0 && c.Checkout.StripePriceID == "" {
		errs = append(errs, "checkout must define unit_amount_cents or stripe_price_id")
	}
	if c.Checkout.StripePriceID == "" {
		if _, err := money.Lookup(c.Checkout.Currency); err != nil {
			errs = append(errs, fmt.Sprintf("checkout.currency %q is not supported", c.Checkout.Currency))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, "auth.jwt_secret is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	switch c.Notifications.Mode {
	case "direct", "outbox":
	default:
		errs = append(errs, fmt.Sprintf("notifications.mode %q is not supported (direct, outbox)", c.Notifications.Mode))
	}

	switch c.Idempotency.Backend {
	case "memory":
	case "redis":
		if c.Idempotency.RedisURL == "" {
			errs = append(errs, "idempotency.redis_url is required when backend is 'redis'")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.backend %q is not supported (memory, redis)", c.Idempotency.Backend))
	}

	if !c.CustomerIO.Disabled {
		if c.CustomerIO.SiteID == "" || c.CustomerIO.TrackKey == "" {
			errs = append(errs, "customerio.site_id and customerio.track_api_key are required unless customerio.disabled")
		}
		switch strings.ToLower(c.CustomerIO.Region) {
		case "", "us", "eu":
		default:
			errs = append(errs, fmt.Sprintf("customerio.region %q is not supported (us, eu)", c.CustomerIO.Region))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
