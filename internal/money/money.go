// Package money formats and validates the fiat amounts that flow through
// Stripe checkout and order notifications.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v72"
)

// MaxStripeAmount is Stripe's per-charge ceiling in minor units for two-decimal currencies.
const MaxStripeAmount = 99_999_999

var ErrUnsupportedCurrency = errors.New("money: unsupported currency")

// Asset describes one accepted currency.
type Asset struct {
	Currency stripeapi.Currency // lowercase wire code
	Decimals int
	Symbol   string
}

// Code is the uppercase ISO code.
func (a Asset) Code() string { return strings.ToUpper(string(a.Currency)) }

var assets = map[stripeapi.Currency]Asset{
	stripeapi.CurrencyUSD: {stripeapi.CurrencyUSD, 2, "$"},
	stripeapi.CurrencyEUR: {stripeapi.CurrencyEUR, 2, "€"},
	stripeapi.CurrencyGBP: {stripeapi.CurrencyGBP, 2, "£"},
	stripeapi.CurrencyCAD: {stripeapi.CurrencyCAD, 2, "CA$"},
	stripeapi.CurrencyAUD: {stripeapi.CurrencyAUD, 2, "A$"},
	stripeapi.CurrencyJPY: {stripeapi.CurrencyJPY, 0, "¥"},
}

// Lookup resolves a currency code in any case.
func Lookup(code string) (Asset, error) {
	a, ok := assets[stripeapi.Currency(strings.ToLower(strings.TrimSpace(code)))]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return a, nil
}

// Amount is a quantity of minor units (cents) of one asset.
type Amount struct {
	Asset Asset
	Minor int64
}

// Major renders the amount with the asset's decimals, e.g. "99.00" or "500".
func (m Amount) Major() string {
	neg := m.Minor < 0
	digits := strconv.FormatInt(m.Minor, 10)
	if neg {
		digits = digits[1:]
	}
	if d := m.Asset.Decimals; d > 0 {
		if len(digits) <= d {
			digits = strings.Repeat("0", d-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-d] + "." + digits[len(digits)-d:]
	}
	if neg {
		return "-" + digits
	}
	return digits
}

// Format renders "$99.00", or "99.00 CHF" when the asset has no symbol.
func (m Amount) Format() string {
	if m.Asset.Symbol == "" {
		return m.Major() + " " + m.Asset.Code()
	}
	if m.Minor < 0 {
		return "-" + m.Asset.Symbol + Amount{m.Asset, -m.Minor}.Major()
	}
	return m.Asset.Symbol + m.Major()
}

// FormatCents formats a Stripe amount/currency pair. Unknown currencies are
// treated as two-decimal and shown with their code.
func FormatCents(minor int64, currency string) string {
	asset, err := Lookup(currency)
	if err != nil {
		asset = Asset{Currency: stripeapi.Currency(strings.ToLower(currency)), Decimals: 2}
	}
	return Amount{asset, minor}.Format()
}

// StripePrice validates an ad-hoc checkout price and returns the values for
// Stripe's price_data.
func StripePrice(currency string, minor int64) (stripeapi.Currency, int64, error) {
	asset, err := Lookup(currency)
	if err != nil {
		return "", 0, err
	}
	switch {
	case minor <= 0:
		return "", 0, fmt.Errorf("money: amount must be positive, got %d", minor)
	case minor > MaxStripeAmount:
		return "", 0, fmt.Errorf("money: amount %d exceeds Stripe maximum %d", minor, MaxStripeAmount)
	}
	return asset.Currency, minor, nil
}
