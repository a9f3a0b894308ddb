// Package dbpool opens the PostgreSQL pool shared by the purchase store,
// the health check and the pool metrics.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/coachdesk/server/internal/config"
)

const (
	defaultMaxOpen     = 25
	defaultMaxIdle     = 5
	defaultMaxLifetime = 5 * time.Minute

	connectAttempts = 3
	connectTimeout  = 10 * time.Second
)

var retryDelay = time.Second

// Open connects to PostgreSQL, retrying the initial ping a few times so the
// service can start alongside a database that is still booting.
func Open(ctx context.Context, dsn string, pool config.PostgresPoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	configure(db, pool)

	for attempt := 1; ; attempt++ {
		err = ping(ctx, db)
		if err == nil {
			return db, nil
		}
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("ping postgres after %d attempts: %w", connectAttempts, err)
}

func ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// configure applies pool limits, filling zero values with defaults and
// capping idle connections at the open limit.
func configure(db *sql.DB, pool config.PostgresPoolConfig) {
	maxOpen := orDefault(pool.MaxOpenConns, defaultMaxOpen)
	maxIdle := min(orDefault(pool.MaxIdleConns, defaultMaxIdle), maxOpen)
	lifetime := pool.ConnMaxLifetime.Duration
	if lifetime <= 0 {
		lifetime = defaultMaxLifetime
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SharedPool owns the *sql.DB for the process.
type SharedPool struct {
	db *sql.DB
}

func NewSharedPool(ctx context.Context, dsn string, pool config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := Open(ctx, dsn, pool)
	if err != nil {
		return nil, err
	}
	return &SharedPool{db: db}, nil
}

func (p *SharedPool) DB() *sql.DB { return p.db }

// Ping is the postgres health check.
func (p *SharedPool) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// RegisterMetrics exports sql.DBStats (open, idle, wait counts) on reg and
// returns the func that removes them again.
func (p *SharedPool) RegisterMetrics(reg prometheus.Registerer) (unregister func() bool, err error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := collectors.NewDBStatsCollector(p.db, "coachdesk")
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return func() bool { return reg.Unregister(c) }, nil
}

func (p *SharedPool) Close() error { return p.db.Close() }
