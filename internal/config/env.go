package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix namespaces every environment override.
const envPrefix = "COACHDESK_"

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, envPrefix+"SERVER_ADDRESS")
	setIfEnv(&c.Server.PublicURL, envPrefix+"PUBLIC_URL")
	setIfEnv(&c.Server.AdminMetricsAPIKey, envPrefix+"ADMIN_METRICS_API_KEY")
	if v := os.Getenv(envPrefix + "CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, envPrefix+"LOG_LEVEL")
	setIfEnv(&c.Logging.Format, envPrefix+"LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, envPrefix+"ENVIRONMENT")

	// Stripe config
	setIfEnv(&c.Stripe.SecretKey, envPrefix+"STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, envPrefix+"STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.SuccessURL, envPrefix+"STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, envPrefix+"STRIPE_CANCEL_URL")
	setDurationIfEnv(&c.Stripe.RequestTimeout, envPrefix+"STRIPE_REQUEST_TIMEOUT")
	setBoolIfEnv(&c.Stripe.TestModeAutoApprove, envPrefix+"STRIPE_TEST_MODE_AUTO_APPROVE")

	// Checkout config
	setIfEnv(&c.Checkout.ProductName, envPrefix+"CHECKOUT_PRODUCT_NAME")
	setIfEnv(&c.Checkout.StripePriceID, envPrefix+"CHECKOUT_STRIPE_PRICE_ID")
	setIfEnv(&c.Checkout.Currency, envPrefix+"CHECKOUT_CURRENCY")
	setInt64IfEnv(&c.Checkout.UnitAmountCents, envPrefix+"CHECKOUT_UNIT_AMOUNT_CENTS")

	// Auth config
	setIfEnv(&c.Auth.JWTSecret, envPrefix+"AUTH_JWT_SECRET")
	setIfEnv(&c.Auth.JWTIssuer, envPrefix+"AUTH_JWT_ISSUER")
	setIfEnv(&c.Auth.AccessTokenCookie, envPrefix+"AUTH_ACCESS_TOKEN_COOKIE")
	setIfEnv(&c.Auth.BridgeSecret, envPrefix+"AUTH_BRIDGE_SECRET")
	setBoolIfEnv(&c.Auth.SecureCookies, envPrefix+"AUTH_SECURE_COOKIES")

	// Storage config
	setIfEnv(&c.Storage.Backend, envPrefix+"STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, envPrefix+"POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, envPrefix+"MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, envPrefix+"MONGODB_DATABASE")
	setDurationIfEnv(&c.Storage.QueryTimeout, envPrefix+"STORAGE_QUERY_TIMEOUT")

	// Customer.io config
	setIfEnv(&c.CustomerIO.SiteID, envPrefix+"CIO_SITE_ID")
	setIfEnv(&c.CustomerIO.TrackKey, envPrefix+"CIO_TRACK_API_KEY")
	setIfEnv(&c.CustomerIO.AppKey, envPrefix+"CIO_APP_API_KEY")
	setIfEnv(&c.CustomerIO.Region, envPrefix+"CIO_REGION")
	setBoolIfEnv(&c.CustomerIO.Disabled, envPrefix+"CIO_DISABLED")

	// Notifications config
	setIfEnv(&c.Notifications.Mode, envPrefix+"NOTIFICATIONS_MODE")
	setIfEnv(&c.Notifications.OrderEmailMessageID, envPrefix+"ORDER_EMAIL_MESSAGE_ID")
	setDurationIfEnv(&c.Notifications.StepTimeout, envPrefix+"NOTIFICATIONS_STEP_TIMEOUT")

	// Idempotency config
	setIfEnv(&c.Idempotency.Backend, envPrefix+"IDEMPOTENCY_BACKEND")
	setIfEnv(&c.Idempotency.RedisURL, envPrefix+"REDIS_URL")

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, envPrefix+"API_KEY_ENABLED")
	// Load API keys (COACHDESK_API_KEY_<NAME>=<tier>)
	keyPrefix := envPrefix + "API_KEY_"
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, keyPrefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], keyPrefix)
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		// COACHDESK_API_KEY_OPS_ABC123=admin -> key: "ops_abc123", tier: "admin"
		c.APIKey.Keys[strings.ToLower(name)] = strings.TrimSpace(parts[1])
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
