package auth

import (
	"context"
	"net/http"
)

// Identity is the authenticated user of a request.
type Identity struct {
	UserID  string
	Email   string
	Name    string
	Job     string
	Company string
	// ViaBridge is set when only the post-checkout bridge cookie authenticated the request.
	ViaBridge bool
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the request's identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// UserID returns the authenticated user id of r, or "".
func UserID(r *http.Request) string {
	id, _ := IdentityFromContext(r.Context())
	return id.UserID
}
