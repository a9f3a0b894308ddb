package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/internal/dbpool"
	"github.com/coachdesk/server/internal/metrics"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db           *sql.DB
	ownsDB       bool // Track if we created the DB connection (for Close())
	tables       TableNames
	queryTimeout time.Duration
	metrics      *metrics.Metrics
}

// NewPostgresStore opens a new PostgreSQL connection pool and returns a store on top of it.
func NewPostgresStore(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig, tables TableNames, queryTimeout time.Duration) (*PostgresStore, error) {
	db, err := dbpool.Open(ctx, connectionString, poolConfig)
	if err != nil {
		return nil, err
	}

	store := NewPostgresStoreWithDB(db, tables, queryTimeout)
	store.ownsDB = true
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
// Tables are not created; call Migrate.
func NewPostgresStoreWithDB(db *sql.DB, tables TableNames, queryTimeout time.Duration) *PostgresStore {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	return &PostgresStore{
		db:           db,
		tables:       tables.withDefaults(),
		queryTimeout: queryTimeout,
	}
}

// WithMetrics enables query duration instrumentation.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

// Close closes the connection pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the tables and indexes if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	t := s.tables
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			stripe_session_id TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			amount_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'usd',
			scheduled_at TIMESTAMPTZ,
			paid_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			job TEXT NOT NULL DEFAULT '',
			company TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_name TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[4]s (
			user_id TEXT NOT NULL,
			purchase_id TEXT NOT NULL,
			questions TEXT[],
			strengths TEXT NOT NULL DEFAULT '',
			weaknesses TEXT NOT NULL DEFAULT '',
			goals TEXT NOT NULL DEFAULT '',
			challenges TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, purchase_id)
		);

		CREATE TABLE IF NOT EXISTS %[5]s (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_user_created ON %[1]s(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_user_created ON %[3]s(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%[5]s_pending ON %[5]s(status, next_attempt_at) WHERE status = 'pending';
		CREATE INDEX IF NOT EXISTS idx_%[5]s_created ON %[5]s(created_at DESC);
	`, t.Purchases, t.Users, t.AuditEvents, t.SessionPrep, t.Notifications)

	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create postgres tables: %w", err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
