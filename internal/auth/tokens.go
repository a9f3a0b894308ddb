// Package auth validates sessions issued by the hosted auth provider and the
// short-lived bridge cookie that carries a user across the Stripe redirect.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/coachdesk/server/internal/config"
)

// ErrUnauthorized is returned for any missing, malformed or expired token.
var ErrUnauthorized = errors.New("auth: unauthorized")

// DefaultBridgeTTL is how long the post-checkout bridge cookie authenticates a user.
const DefaultBridgeTTL = 5 * time.Minute

const bridgeAudience = "coachdesk-bridge"

// UserMetadata is the profile blob the auth provider stores with each user.
type UserMetadata struct {
	Name    string `json:"name,omitempty"`
	Job     string `json:"job,omitempty"`
	Company string `json:"company,omitempty"`
}

type sessionClaims struct {
	Email        string       `json:"email"`
	UserMetadata UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

// TokenManager parses provider sessions and issues/parses bridge tokens.
type TokenManager struct {
	sessionSecret []byte
	bridgeSecret  []byte
	issuer        string
	bridgeTTL     time.Duration
	now           func() time.Time
}

// NewTokenManager builds a TokenManager from auth config. The bridge secret
// defaults to the session secret.
func NewTokenManager(cfg config.AuthConfig) *TokenManager {
	bridgeSecret := cfg.BridgeSecret
	if bridgeSecret == "" {
		bridgeSecret = cfg.JWTSecret
	}
	ttl := cfg.BridgeTTL.Duration
	if ttl <= 0 {
		ttl = DefaultBridgeTTL
	}
	return &TokenManager{
		sessionSecret: []byte(cfg.JWTSecret),
		bridgeSecret:  []byte(bridgeSecret),
		issuer:        cfg.JWTIssuer,
		bridgeTTL:     ttl,
		now:           time.Now,
	}
}

// BridgeTTL returns the bridge token lifetime.
func (m *TokenManager) BridgeTTL() time.Duration {
	return m.bridgeTTL
}

// ParseSession validates a provider access token and returns the identity it carries.
func (m *TokenManager) ParseSession(raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" || len(m.sessionSecret) == 0 {
		return Identity{}, ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (interface{}, error) {
		return m.sessionSecret, nil
	}, opts...)
	if err != nil || token == nil || !token.Valid {
		return Identity{}, ErrUnauthorized
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrUnauthorized
	}

	return Identity{
		UserID:  claims.Subject,
		Email:   claims.Email,
		Name:    claims.UserMetadata.Name,
		Job:     claims.UserMetadata.Job,
		Company: claims.UserMetadata.Company,
	}, nil
}

// IssueBridge signs a bridge token for userID.
func (m *TokenManager) IssueBridge(userID string) (string, time.Time, error) {
	if len(m.bridgeSecret) == 0 {
		return "", time.Time{}, fmt.Errorf("auth: bridge secret is empty")
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("auth: bridge token requires user id")
	}

	now := m.now().UTC()
	expiresAt := now.Add(m.bridgeTTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{bridgeAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.bridgeSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign bridge token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseBridge validates a bridge token and returns its user id.
func (m *TokenManager) ParseBridge(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" || len(m.bridgeSecret) == 0 {
		return "", ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (interface{}, error) {
		return m.bridgeSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(bridgeAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || token == nil || !token.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
