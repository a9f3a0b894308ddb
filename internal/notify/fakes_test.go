package notify

import (
	"context"
	"errors"
	"sync"

	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/coachdesk/server/internal/customerio"
)

type trackCall struct {
	UserID string
	Name   string
	Data   map[string]any
}

// fakeCIO implements customerio.Tracker and customerio.Mailer.
type fakeCIO struct {
	mu       sync.Mutex
	tracks   []trackCall
	emails   []customerio.Email
	trackErr error
	mailErr  error
}

func (f *fakeCIO) Track(ctx context.Context, userID, eventName string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return f.trackErr
	}
	f.tracks = append(f.tracks, trackCall{UserID: userID, Name: eventName, Data: data})
	return nil
}

func (f *fakeCIO) Identify(ctx context.Context, userID string, attributes map[string]any) error {
	return nil
}

func (f *fakeCIO) SendTransactional(ctx context.Context, email customerio.Email) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mailErr != nil {
		return f.mailErr
	}
	f.emails = append(f.emails, email)
	return nil
}

func (f *fakeCIO) trackNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.tracks))
	for _, t := range f.tracks {
		names = append(names, t.Name)
	}
	return names
}

func (f *fakeCIO) emailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emails)
}

// fakeCatalog serves canned line items and products.
type fakeCatalog struct {
	mu           sync.Mutex
	items        []*stripeapi.LineItem
	products     map[string]string
	itemsErr     error
	productCalls int
}

func (f *fakeCatalog) ListLineItems(ctx context.Context, sessionID string) ([]*stripeapi.LineItem, error) {
	return f.items, f.itemsErr
}

func (f *fakeCatalog) GetProduct(ctx context.Context, productID string) (*stripeapi.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.productCalls++
	name, ok := f.products[productID]
	if !ok {
		return nil, errors.New("no such product")
	}
	return &stripeapi.Product{ID: productID, Name: name}, nil
}

func productItem(productID string) *stripeapi.LineItem {
	return &stripeapi.LineItem{Price: &stripeapi.Price{Product: &stripeapi.Product{ID: productID}}}
}
