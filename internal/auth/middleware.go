package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coachdesk/server/internal/config"
	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/logger"
)

// Default cookie names.
const (
	DefaultAccessTokenCookie = "sb-access-token"
	DefaultBridgeCookie      = "stripe_temp_access"
	DefaultLoginPath         = "/auth/login"
)

// Provisioner is told about every authenticated provider session so first-time
// users can be created.
type Provisioner interface {
	EnsureUser(ctx context.Context, id Identity)
}

// Authenticator resolves the request identity from the provider session or the bridge cookie.
type Authenticator struct {
	tokens            *TokenManager
	provisioner       Provisioner
	accessTokenCookie string
	bridgeCookie      string
	loginPath         string
	secureCookies     bool
	logger            zerolog.Logger
}

// NewAuthenticator wires an Authenticator. provisioner may be nil.
func NewAuthenticator(cfg config.AuthConfig, tokens *TokenManager, provisioner Provisioner, log zerolog.Logger) *Authenticator {
	a := &Authenticator{
		tokens:            tokens,
		provisioner:       provisioner,
		accessTokenCookie: cfg.AccessTokenCookie,
		bridgeCookie:      cfg.BridgeCookieName,
		loginPath:         cfg.LoginPath,
		secureCookies:     cfg.SecureCookies,
		logger:            log,
	}
	if a.accessTokenCookie == "" {
		a.accessTokenCookie = DefaultAccessTokenCookie
	}
	if a.bridgeCookie == "" {
		a.bridgeCookie = DefaultBridgeCookie
	}
	if a.loginPath == "" {
		a.loginPath = DefaultLoginPath
	}
	return a
}

// Middleware attaches the identity to the request context when one is present.
// It never rejects; use RequireAPIUser or RequirePageUser for that.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := a.identify(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := WithIdentity(r.Context(), id)
		if !id.ViaBridge && a.provisioner != nil {
			a.provisioner.EnsureUser(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) identify(r *http.Request) (Identity, bool) {
	if raw := a.sessionToken(r); raw != "" {
		id, err := a.tokens.ParseSession(raw)
		if err == nil {
			return id, true
		}
		logger.FromContextOr(r.Context(), a.logger).Debug().Msg("auth.session_invalid")
	}

	if c, err := r.Cookie(a.bridgeCookie); err == nil {
		if userID, err := a.tokens.ParseBridge(c.Value); err == nil {
			return Identity{UserID: userID, ViaBridge: true}, true
		}
	}
	return Identity{}, false
}

func (a *Authenticator) sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(a.accessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// RequireAPIUser rejects anonymous API requests with 401.
func (a *Authenticator) RequireAPIUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePageUser redirects anonymous page requests to the login page,
// preserving the original path and query.
func (a *Authenticator) RequirePageUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			http.Redirect(w, r, a.LoginURL(r.URL.RequestURI()), http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoginURL returns the login path with redirect set to returnTo.
func (a *Authenticator) LoginURL(returnTo string) string {
	return a.loginPath + "?redirect=" + url.QueryEscape(returnTo)
}

// SetBridgeCookie issues a bridge token for userID and sets it on w.
func (a *Authenticator) SetBridgeCookie(w http.ResponseWriter, userID string) error {
	token, expiresAt, err := a.tokens.IssueBridge(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.bridgeCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
