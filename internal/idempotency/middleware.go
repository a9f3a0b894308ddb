package idempotency

import (
	"bytes"
	"net/http"
	"time"

	apierrors "github.com/coachdesk/server/internal/errors"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "X-Idempotency-Replay"

	DefaultTTL = 24 * time.Hour

	// MaxKeyLength bounds client supplied keys.
	MaxKeyLength = 255

	// claimTTL bounds how long a crashed request can hold a key.
	claimTTL = time.Minute
)

// ScopeFunc returns an extra key component, typically the authenticated user id,
// so two users sending the same key never share a cached response.
type ScopeFunc func(r *http.Request) string

// recorder tees the handler's response so it can be stored after the fact.
type recorder struct {
	http.ResponseWriter
	status  int
	wrote   bool
	headers map[string]string
	body    bytes.Buffer
}

func (rec *recorder) WriteHeader(status int) {
	if rec.wrote {
		return
	}
	rec.wrote = true
	rec.status = status
	for k := range rec.Header() {
		rec.headers[k] = rec.Header().Get(k)
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if !rec.wrote {
		rec.WriteHeader(http.StatusOK)
	}
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}

func (rec *recorder) succeeded() bool {
	return rec.status >= 200 && rec.status < 300
}

func replay(w http.ResponseWriter, cached *Response) {
	for k, v := range cached.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set(HeaderReplay, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

// Middleware makes a handler safe to retry under an Idempotency-Key header.
// The first request with a key claims it; a concurrent duplicate gets 409 and
// a later duplicate gets the stored 2xx response. Non-2xx responses release
// the key so the client can retry. A nil scope scopes keys by method and path only.
func Middleware(store Store, ttl time.Duration, scope ScopeFunc) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(HeaderKey)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(raw) > MaxKeyLength {
				apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField,
					"idempotency key is too long", "maxLength", MaxKeyLength)
				return
			}

			key := r.Method + ":" + r.URL.Path + ":" + raw
			if scope != nil {
				key = scope(r) + ":" + key
			}
			ctx := r.Context()

			if cached, ok := store.Get(ctx, key); ok {
				replay(w, cached)
				return
			}

			claimed, err := store.Claim(ctx, key, claimTTL)
			if err == nil && !claimed {
				if cached, ok := store.Get(ctx, key); ok {
					replay(w, cached)
					return
				}
				apierrors.WriteSimpleError(w, apierrors.ErrCodeIdempotencyConflict,
					"a request with this idempotency key is already in progress")
				return
			}
			// A store error fails open: the request runs without protection.

			rec := &recorder{ResponseWriter: w, status: http.StatusOK, headers: make(map[string]string)}
			next.ServeHTTP(rec, r)

			if !claimed {
				return
			}
			if rec.succeeded() {
				_ = store.Set(ctx, key, &Response{
					StatusCode: rec.status,
					Headers:    rec.headers,
					Body:       rec.body.Bytes(),
					CachedAt:   time.Now(),
				}, ttl)
				return
			}
			_ = store.Delete(ctx, key)
		})
	}
}
