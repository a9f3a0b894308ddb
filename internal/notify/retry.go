package notify

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/coachdesk/server/internal/config"
)

// Backoff spaces redelivery of a failed outbox job. The number of attempts
// is not part of it: each job carries its own limit.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
	Jitter float64 // fraction of each delay drawn at random, 0 to 1
}

func defaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 5 * time.Minute, Factor: 2, Jitter: 0.2}
}

// BackoffFrom reads the retry section of the notification config. Unset
// fields keep their defaults.
func BackoffFrom(cfg config.RetryConfig) Backoff {
	b := defaultBackoff()
	if cfg.InitialInterval.Duration > 0 {
		b.Base = cfg.InitialInterval.Duration
	}
	if cfg.MaxInterval.Duration > 0 {
		b.Cap = cfg.MaxInterval.Duration
	}
	if cfg.Multiplier >= 1 {
		b.Factor = cfg.Multiplier
	}
	b.Jitter = max(0, min(cfg.Jitter, 1))
	return b
}

// Delay is the wait after the given failed attempt (1-based): Base times
// Factor^(attempt-1), capped. rnd returns values in [0,1); nil disables jitter.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if rnd != nil && b.Jitter > 0 {
		d -= d * b.Jitter * rnd()
	}
	return time.Duration(d)
}

var jitterSource = rand.Float64
