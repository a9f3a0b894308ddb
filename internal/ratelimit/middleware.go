// Package ratelimit applies fixed-window request limits backed by httprate.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/coachdesk/server/internal/apikey"
	"github.com/coachdesk/server/internal/config"
	apierrors "github.com/coachdesk/server/internal/errors"
	"github.com/coachdesk/server/internal/metrics"
)

// Rule is one limit. Rules run in order; the first exhausted one answers 429.
type Rule struct {
	Name    string // metrics label
	Limit   int
	Window  time.Duration
	Key     httprate.KeyFunc         // nil counts every request in one bucket
	Exempt  func(*http.Request) bool // nil exempts nobody
	Message string
}

// Rules derives the enabled rules from config, in the order global, per
// user, per IP. userID returns "" for anonymous requests, which the per-user
// rule then keys by client IP.
func Rules(cfg config.RateLimitConfig, userID func(*http.Request) string) []Rule {
	var rules []Rule
	if cfg.GlobalEnabled {
		rules = append(rules, Rule{
			Name:    "global",
			Limit:   cfg.GlobalLimit,
			Window:  cfg.GlobalWindow.Duration,
			Exempt:  apikey.SkipsGlobalLimit,
			Message: "Global rate limit exceeded. Please try again later.",
		})
	}
	if cfg.PerUserEnabled {
		rules = append(rules, Rule{
			Name:    "per_user",
			Limit:   cfg.PerUserLimit,
			Window:  cfg.PerUserWindow.Duration,
			Key:     userOrIP(userID),
			Exempt:  apikey.SkipsClientLimits,
			Message: "Rate limit exceeded. Please try again later.",
		})
	}
	if cfg.PerIPEnabled {
		rules = append(rules, Rule{
			Name:    "per_ip",
			Limit:   cfg.PerIPLimit,
			Window:  cfg.PerIPWindow.Duration,
			Key:     httprate.KeyByIP,
			Exempt:  apikey.SkipsClientLimits,
			Message: "IP rate limit exceeded. Please try again later.",
		})
	}
	return rules
}

func userOrIP(userID func(*http.Request) string) httprate.KeyFunc {
	return func(r *http.Request) (string, error) {
		if userID != nil {
			if id := userID(r); id != "" {
				return "user:" + id, nil
			}
		}
		return httprate.KeyByIP(r)
	}
}

// Middleware chains every rule. Mount it after API key and session
// resolution so exemptions and user keys are visible.
func Middleware(rules []Rule, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := next
		for i := len(rules) - 1; i >= 0; i-- {
			h = rules[i].wrap(h, m)
		}
		return h
	}
}

func (rule Rule) wrap(next http.Handler, m *metrics.Metrics) http.Handler {
	opts := []httprate.Option{httprate.WithLimitHandler(rule.rejected(m))}
	if rule.Key != nil {
		opts = append(opts, httprate.WithKeyFuncs(rule.Key))
	}
	limited := httprate.Limit(rule.Limit, rule.Window, opts...)(next)

	if rule.Exempt == nil {
		return limited
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rule.Exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		limited.ServeHTTP(w, r)
	})
}

func (rule Rule) rejected(m *metrics.Metrics) http.HandlerFunc {
	retryAfter := int(rule.Window.Seconds())
	return func(w http.ResponseWriter, _ *http.Request) {
		m.ObserveRateLimit(rule.Name)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeRateLimited, rule.Message, "retry_after_seconds", retryAfter)
	}
}
