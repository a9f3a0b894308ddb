package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Response is a completed checkout response kept for replay.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
	CachedAt   time.Time         `json:"cached_at"`
}

// Store holds idempotency keys. A key is either claimed (request in flight)
// or holds a completed Response. Get only reports completed responses.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)

	// Claim marks key as in flight for ttl. It returns false when the key is
	// already claimed or already holds a response.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Set records the response for key, replacing any claim.
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error

	// Delete releases a claim or drops a cached response.
	Delete(ctx context.Context, key string) error

	Close() error
}

const redisKeyPrefix = "coachdesk:idem:"

// NewStore builds the configured backend: "memory" (default) or "redis".
func NewStore(ctx context.Context, backend, redisURL string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedisStore(client, redisKeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend: %s", backend)
	}
}
