package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coachdesk/server/internal/config"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested entity is missing from the store.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotTransitioned is returned by MarkPurchasePaid when no pending purchase matched.
	ErrNotTransitioned = errors.New("storage: purchase not pending")
	// ErrNotPaid is returned when an operation requires a paid purchase.
	ErrNotPaid = errors.New("storage: purchase not paid")
	// ErrAlreadyScheduled is returned when scheduled_at is already set.
	ErrAlreadyScheduled = errors.New("storage: purchase already scheduled")
	// ErrDuplicateSession is returned when a purchase already exists for a checkout session.
	ErrDuplicateSession = errors.New("storage: duplicate session id")
	// ErrNotClaimed is returned when a notification job is no longer pending.
	ErrNotClaimed = errors.New("storage: notification not claimable")
)

// PurchaseStore persists purchases. Status changes only through MarkPurchasePaid.
type PurchaseStore interface {
	CreatePurchase(ctx context.Context, p Purchase) (Purchase, error)
	GetPurchase(ctx context.Context, id string) (Purchase, error)
	GetPurchaseBySession(ctx context.Context, sessionID string) (Purchase, error)
	// ListPurchasesByUser returns the user's purchases, newest first.
	ListPurchasesByUser(ctx context.Context, userID string) ([]Purchase, error)
	// LatestPaidPurchase returns the newest paid purchase for the user.
	LatestPaidPurchase(ctx context.Context, userID string) (Purchase, error)
	// MarkPurchasePaid flips pending to paid in a single conditional write and
	// returns the updated row. ErrNotTransitioned means another caller won or
	// no pending row exists for sessionID.
	MarkPurchasePaid(ctx context.Context, sessionID string, paidAt time.Time) (Purchase, error)
	// MarkPurchaseScheduled sets scheduled_at once on a paid purchase owned by userID.
	MarkPurchaseScheduled(ctx context.Context, purchaseID, userID string, at time.Time) (Purchase, error)
}

// UserStore persists local user profiles.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
	// CreateUserIfAbsent inserts the profile unless one exists and reports whether it did.
	CreateUserIfAbsent(ctx context.Context, u User) (bool, error)
	UpdateUserProfile(ctx context.Context, id, name, job, company string) (User, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, e AuditEvent) error
	// ListAuditEvents returns the user's events, newest first.
	ListAuditEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error)
}

// SessionPrepStore persists pre-session questionnaires.
type SessionPrepStore interface {
	GetSessionPrep(ctx context.Context, userID, purchaseID string) (SessionPrep, error)
	UpsertSessionPrep(ctx context.Context, prep SessionPrep) (SessionPrep, error)
}

// NotificationOutbox is the durable queue behind outbox notification delivery.
type NotificationOutbox interface {
	// EnqueueNotifications adds jobs to the outbox (all or nothing).
	EnqueueNotifications(ctx context.Context, jobs []NotificationJob) error
	// DequeueNotifications returns pending jobs due for delivery, earliest first.
	DequeueNotifications(ctx context.Context, limit int) ([]NotificationJob, error)
	// MarkNotificationProcessing claims a pending job. ErrNotClaimed if it is no longer pending.
	MarkNotificationProcessing(ctx context.Context, id string) error
	// ReleaseStaleNotifications returns jobs claimed before claimedBefore and
	// never settled to pending, or dead-letters them when attempts are
	// exhausted. It reports how many jobs were released.
	ReleaseStaleNotifications(ctx context.Context, claimedBefore time.Time) (int, error)
	// MarkNotificationDelivered removes a delivered job from the outbox.
	MarkNotificationDelivered(ctx context.Context, id string) error
	// MarkNotificationFailed records a failed attempt and schedules a retry, or
	// dead-letters the job once attempts are exhausted.
	MarkNotificationFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	GetNotification(ctx context.Context, id string) (NotificationJob, error)
	ListNotifications(ctx context.Context, status JobStatus, limit int) ([]NotificationJob, error)
	// RetryNotification resets a job to pending for manual retry (admin operation).
	RetryNotification(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
}

// Store captures every persistence requirement of the service.
type Store interface {
	PurchaseStore
	UserStore
	AuditStore
	SessionPrepStore
	NotificationOutbox

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	QueryTimeout    time.Duration

	// Schema mapping (table names for Postgres, collection names for MongoDB)
	Tables TableNames
}

// TableNames maps each entity to its table/collection.
type TableNames struct {
	Purchases     string // Default: "session_purchases"
	Users         string // Default: "users"
	AuditEvents   string // Default: "audit_events"
	SessionPrep   string // Default: "session_prep"
	Notifications string // Default: "notification_outbox"
}

// DefaultTableNames returns the built-in table names.
func DefaultTableNames() TableNames {
	return TableNames{
		Purchases:     "session_purchases",
		Users:         "users",
		AuditEvents:   "audit_events",
		SessionPrep:   "session_prep",
		Notifications: "notification_outbox",
	}
}

// withDefaults fills empty names from DefaultTableNames.
func (t TableNames) withDefaults() TableNames {
	d := DefaultTableNames()
	if t.Purchases == "" {
		t.Purchases = d.Purchases
	}
	if t.Users == "" {
		t.Users = d.Users
	}
	if t.AuditEvents == "" {
		t.AuditEvents = d.AuditEvents
	}
	if t.SessionPrep == "" {
		t.SessionPrep = d.SessionPrep
	}
	if t.Notifications == "" {
		t.Notifications = d.Notifications
	}
	return t
}

// StoreConfigFrom maps application config onto a StoreConfig.
func StoreConfigFrom(cfg config.StorageConfig) StoreConfig {
	return StoreConfig{
		Backend:         cfg.Backend,
		PostgresURL:     cfg.PostgresURL,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		PostgresPool:    cfg.PostgresPool,
		QueryTimeout:    cfg.QueryTimeout.Duration,
		Tables: TableNames{
			Purchases:     cfg.SchemaMapping.Purchases.TableName,
			Users:         cfg.SchemaMapping.Users.TableName,
			AuditEvents:   cfg.SchemaMapping.AuditEvents.TableName,
			SessionPrep:   cfg.SchemaMapping.SessionPrep.TableName,
			Notifications: cfg.SchemaMapping.Notifications.TableName,
		},
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(ctx, cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is non-nil for the postgres backend it is used instead of opening a new connection.
func NewStoreWithDB(ctx context.Context, cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	tables := cfg.Tables.withDefaults()

	switch cfg.Backend {
	case "memory", "":
		// Memory backend loses every purchase on restart; development and tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		var (
			store *PostgresStore
			err   error
		)
		if sharedDB != nil {
			store = NewPostgresStoreWithDB(sharedDB, tables, cfg.QueryTimeout)
		} else {
			store, err = NewPostgresStore(ctx, cfg.PostgresURL, cfg.PostgresPool, tables, cfg.QueryTimeout)
			if err != nil {
				return nil, err
			}
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(ctx, cfg.MongoDBURL, cfg.MongoDBDatabase, tables, cfg.QueryTimeout)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func newID() string {
	return uuid.NewString()
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
