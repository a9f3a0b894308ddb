package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/coachdesk/server/internal/circuitbreaker"
	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/metrics"
	"github.com/coachdesk/server/internal/money"
)

// DefaultRequestTimeout bounds every Stripe call when none is configured.
const DefaultRequestTimeout = 10 * time.Second

// MetadataUserID is the checkout session metadata key carrying the purchaser's user id.
const MetadataUserID = "userId"

// Client wraps the Stripe operations used by the server. Every call is bounded
// by the request timeout and runs under the stripe_api circuit breaker.
type Client struct {
	cfg      config.StripeConfig
	api      API
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewClient wires a Stripe client over api.
func NewClient(cfg config.StripeConfig, api API, breakers *circuitbreaker.Manager, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Client {
	if cfg.RequestTimeout.Duration <= 0 {
		cfg.RequestTimeout.Duration = DefaultRequestTimeout
	}
	return &Client{
		cfg:      cfg,
		api:      api,
		breakers: breakers,
		metrics:  metricsCollector,
		logger:   logger,
	}
}

// CreateSessionRequest captures checkout metadata.
type CreateSessionRequest struct {
	UserID        string
	CustomerEmail string
	AmountCents   int64
	Currency      string
	PriceID       string // Catalog price; when set AmountCents and ProductName are ignored
	ProductName   string
	Description   string
	Metadata      map[string]string
	SuccessURL    string
	CancelURL     string
}

// CreateCheckoutSession builds a one-item Stripe Checkout session in payment mode.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CreateSessionRequest) (*stripeapi.CheckoutSession, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, errors.New("stripe: user id required")
	}

	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(firstNonEmpty(req.SuccessURL, c.cfg.SuccessURL)),
		CancelURL:          stripeapi.String(firstNonEmpty(req.CancelURL, c.cfg.CancelURL)),
	}
	params.Metadata = convertMetadata(req.Metadata, req.UserID)

	if req.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(req.CustomerEmail)
	}
	if req.PriceID != "" {
		params.LineItems = []*stripeapi.CheckoutSessionLineItemParams{
			{
				Price:    stripeapi.String(req.PriceID),
				Quantity: stripeapi.Int64(1),
			},
		}
	} else {
		if req.AmountCents <= 0 {
			return nil, errors.New("stripe: amount required when price id missing")
		}
		currency, amount, err := money.StripePrice(req.Currency, req.AmountCents)
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		productData := &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripeapi.String(req.ProductName),
		}
		if req.Description != "" {
			productData.Description = stripeapi.String(req.Description)
		}
		params.LineItems = []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripeapi.String(string(currency)),
					ProductData: productData,
					UnitAmount:  stripeapi.Int64(amount),
				},
			},
		}
	}

	var s *stripeapi.CheckoutSession
	err := c.call(ctx, "create_checkout_session", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		s, err = c.api.NewCheckoutSession(params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a checkout session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*stripeapi.CheckoutSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("stripe: session id required")
	}
	var s *stripeapi.CheckoutSession
	err := c.call(ctx, "get_checkout_session", func(ctx context.Context) error {
		params := &stripeapi.CheckoutSessionParams{}
		params.Context = ctx
		var err error
		s, err = c.api.GetCheckoutSession(sessionID, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: get checkout session %s: %w", sessionID, err)
	}
	return s, nil
}

// ListLineItems returns the session's line items.
func (c *Client) ListLineItems(ctx context.Context, sessionID string) ([]*stripeapi.LineItem, error) {
	var items []*stripeapi.LineItem
	err := c.call(ctx, "list_line_items", func(ctx context.Context) error {
		params := &stripeapi.CheckoutSessionListLineItemsParams{}
		params.Context = ctx
		var err error
		items, err = c.api.ListLineItems(sessionID, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: list line items %s: %w", sessionID, err)
	}
	return items, nil
}

// GetProduct retrieves a catalog product.
func (c *Client) GetProduct(ctx context.Context, productID string) (*stripeapi.Product, error) {
	var p *stripeapi.Product
	err := c.call(ctx, "get_product", func(ctx context.Context) error {
		params := &stripeapi.ProductParams{}
		params.Context = ctx
		var err error
		p, err = c.api.GetProduct(productID, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: get product %s: %w", productID, err)
	}
	return p, nil
}

// call runs fn with the request timeout under the Stripe breaker and records metrics.
func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout.Duration)
	defer cancel()

	start := time.Now()
	err := c.breakers.Run(circuitbreaker.ServiceStripe, func() error {
		return fn(ctx)
	})
	c.metrics.ObserveStripeCall(operation, time.Since(start), err)

	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("operation", operation).
			Bool("circuit_open", circuitbreaker.IsOpen(err)).
			Msg("stripe.call_failed")
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// convertMetadata copies metadata and stamps the purchaser's user id, which
// always wins over a caller-supplied value.
func convertMetadata(metadata map[string]string, userID string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[MetadataUserID] = userID
	return out
}
