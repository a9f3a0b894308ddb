// Package apikey resolves the X-API-Key header to an access tier.
package apikey

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"

	"github.com/coachdesk/server/internal/config"
	apierrors "github.com/coachdesk/server/internal/errors"
)

// Tier is ordered: a higher tier has every privilege of the lower ones.
type Tier int

const (
	TierFree    Tier = iota // no key or unknown key
	TierPartner             // trusted integration; skips per-user and per-IP limits
	TierAdmin               // operator; admin routes and no rate limits
)

func (t Tier) String() string {
	switch t {
	case TierPartner:
		return "partner"
	case TierAdmin:
		return "admin"
	default:
		return "free"
	}
}

// ParseTier accepts the tier names used in config. "free" is not assignable.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "partner":
		return TierPartner, true
	case "admin":
		return TierAdmin, true
	}
	return TierFree, false
}

const HeaderName = "X-API-Key"

type tierKey struct{}

// Keyring holds SHA-256 digests of the configured keys; presented keys are
// hashed before lookup.
type Keyring struct {
	tiers map[[sha256.Size]byte]Tier
}

func NewKeyring(keys map[string]Tier) *Keyring {
	k := &Keyring{tiers: make(map[[sha256.Size]byte]Tier, len(keys))}
	for key, tier := range keys {
		if key = strings.TrimSpace(key); key != "" && tier > TierFree {
			k.tiers[sha256.Sum256([]byte(key))] = tier
		}
	}
	return k
}

// KeyringFrom builds the keyring from config. It returns nil when keys are
// disabled; unknown tier names are skipped.
func KeyringFrom(cfg config.APIKeyConfig) *Keyring {
	if !cfg.Enabled {
		return nil
	}
	keys := make(map[string]Tier, len(cfg.Keys))
	for key, name := range cfg.Keys {
		if tier, ok := ParseTier(name); ok {
			keys[key] = tier
		}
	}
	return NewKeyring(keys)
}

func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.tiers)
}

// Resolve maps a presented key to its tier. A nil keyring resolves everything to TierFree.
func (k *Keyring) Resolve(presented string) Tier {
	presented = strings.TrimSpace(presented)
	if k == nil || presented == "" {
		return TierFree
	}
	return k.tiers[sha256.Sum256([]byte(presented))]
}

// Middleware stores the caller's tier in the request context. It never
// rejects; gate routes with Require.
func Middleware(k *Keyring) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), tierKey{}, k.Resolve(r.Header.Get(HeaderName)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require rejects callers below floor with 401.
func Require(floor Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromRequest(r) < floor {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "valid API key required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func FromRequest(r *http.Request) Tier {
	tier, _ := r.Context().Value(tierKey{}).(Tier)
	return tier
}

// SkipsGlobalLimit is true for operators only.
func SkipsGlobalLimit(r *http.Request) bool { return FromRequest(r) >= TierAdmin }

// SkipsClientLimits covers the per-user and per-IP limits.
func SkipsClientLimits(r *http.Request) bool { return FromRequest(r) >= TierPartner }
