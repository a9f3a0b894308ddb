package stripe

import (
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// API is the subset of the Stripe SDK the server calls. The SDK-backed
// implementation is returned by NewSDKAPI; tests substitute a fake.
type API interface {
	NewCheckoutSession(params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error)
	GetCheckoutSession(id string, params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error)
	ListLineItems(sessionID string, params *stripeapi.CheckoutSessionListLineItemsParams) ([]*stripeapi.LineItem, error)
	GetProduct(id string, params *stripeapi.ProductParams) (*stripeapi.Product, error)
}

type sdkAPI struct {
	sc *client.API
}

// NewSDKAPI builds a per-instance stripe-go client over httpClient instead of
// mutating the package-level stripe.Key.
func NewSDKAPI(secretKey string, httpClient *http.Client) API {
	sc := &client.API{}
	sc.Init(secretKey, stripeapi.NewBackends(httpClient))
	return &sdkAPI{sc: sc}
}

func (a *sdkAPI) NewCheckoutSession(params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error) {
	return a.sc.CheckoutSessions.New(params)
}

func (a *sdkAPI) GetCheckoutSession(id string, params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error) {
	return a.sc.CheckoutSessions.Get(id, params)
}

func (a *sdkAPI) ListLineItems(sessionID string, params *stripeapi.CheckoutSessionListLineItemsParams) ([]*stripeapi.LineItem, error) {
	iter := a.sc.CheckoutSessions.ListLineItems(sessionID, params)
	var items []*stripeapi.LineItem
	for iter.Next() {
		items = append(items, iter.LineItem())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (a *sdkAPI) GetProduct(id string, params *stripeapi.ProductParams) (*stripeapi.Product, error) {
	return a.sc.Products.Get(id, params)
}
