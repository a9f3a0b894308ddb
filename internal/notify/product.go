package notify

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/coachdesk/server/internal/cacheutil"
	"github.com/coachdesk/server/internal/logger"
)

// DefaultProductName labels orders whose product cannot be resolved.
const DefaultProductName = "Consulting Session"

// Catalog reads checkout line items and products. *stripe.Client satisfies it.
type Catalog interface {
	ListLineItems(ctx context.Context, sessionID string) ([]*stripeapi.LineItem, error)
	GetProduct(ctx context.Context, productID string) (*stripeapi.Product, error)
}

// ProductResolver names the product bought in a checkout session.
type ProductResolver struct {
	catalog  Catalog
	names    *cacheutil.TTLCache[string, string]
	fallback string
	logger   zerolog.Logger
}

// NewProductResolver caches product names for ttl. An empty fallback uses DefaultProductName.
func NewProductResolver(catalog Catalog, ttl time.Duration, fallback string, log zerolog.Logger) *ProductResolver {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultProductName
	}
	return &ProductResolver{
		catalog:  catalog,
		names:    cacheutil.NewTTLCache[string, string](ttl),
		fallback: fallback,
		logger:   log,
	}
}

// Resolve tries the first line item's description, then its product's name,
// then the fallback label. Lookup failures degrade to the next option.
func (r *ProductResolver) Resolve(ctx context.Context, sessionID string) string {
	if r == nil || r.catalog == nil {
		return DefaultProductName
	}
	log := logger.FromContextOr(ctx, r.logger)

	items, err := r.catalog.ListLineItems(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", logger.TruncateID(sessionID)).Msg("notify.line_items_failed")
		return r.fallback
	}
	if len(items) == 0 {
		return r.fallback
	}

	item := items[0]
	if desc := strings.TrimSpace(item.Description); desc != "" {
		return desc
	}
	if item.Price == nil || item.Price.Product == nil || item.Price.Product.ID == "" {
		return r.fallback
	}

	productID := item.Price.Product.ID
	name, err := r.names.Get(productID, func() (string, error) {
		p, err := r.catalog.GetProduct(ctx, productID)
		if err != nil {
			return "", err
		}
		return p.Name, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("product_id", productID).Msg("notify.product_lookup_failed")
		return r.fallback
	}
	if strings.TrimSpace(name) == "" {
		return r.fallback
	}
	return name
}
