package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const purchaseColumns = "id, user_id, stripe_session_id, status, amount_cents, currency, scheduled_at, paid_at, created_at"

func scanPurchase(s scanner) (Purchase, error) {
	var (
		p           Purchase
		scheduledAt sql.NullTime
		paidAt      sql.NullTime
	)
	err := s.Scan(&p.ID, &p.UserID, &p.SessionID, &p.Status, &p.AmountCents, &p.Currency, &scheduledAt, &paidAt, &p.CreatedAt)
	if err != nil {
		return Purchase{}, err
	}
	p.ScheduledAt = timePtr(scheduledAt)
	p.PaidAt = timePtr(paidAt)
	return p, nil
}

// CreatePurchase inserts a pending purchase.
func (s *PostgresStore) CreatePurchase(ctx context.Context, p Purchase) (Purchase, error) {
	if err := preparePurchase(&p, time.Now().UTC()); err != nil {
		return Purchase{}, err
	}
	defer s.metrics.TimeQuery("postgres", "create_purchase")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, stripe_session_id, status, amount_cents, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.tables.Purchases)

	_, err := s.db.ExecContext(ctx, query, p.ID, p.UserID, p.SessionID, p.Status, p.AmountCents, p.Currency, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Purchase{}, ErrDuplicateSession
		}
		return Purchase{}, fmt.Errorf("insert purchase: %w", err)
	}
	return p, nil
}

// GetPurchase retrieves a purchase by id.
func (s *PostgresStore) GetPurchase(ctx context.Context, id string) (Purchase, error) {
	return s.getPurchaseWhere(ctx, "id", id)
}

// GetPurchaseBySession retrieves a purchase by checkout session id.
func (s *PostgresStore) GetPurchaseBySession(ctx context.Context, sessionID string) (Purchase, error) {
	return s.getPurchaseWhere(ctx, "stripe_session_id", sessionID)
}

func (s *PostgresStore) getPurchaseWhere(ctx context.Context, column, value string) (Purchase, error) {
	defer s.metrics.TimeQuery("postgres", "get_purchase")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, purchaseColumns, s.tables.Purchases, column)
	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("query purchase: %w", err)
	}
	return p, nil
}

// ListPurchasesByUser returns the user's purchases, newest first.
func (s *PostgresStore) ListPurchasesByUser(ctx context.Context, userID string) ([]Purchase, error) {
	defer s.metrics.TimeQuery("postgres", "list_purchases")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC`, purchaseColumns, s.tables.Purchases)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestPaidPurchase returns the newest paid purchase for the user.
func (s *PostgresStore) LatestPaidPurchase(ctx context.Context, userID string) (Purchase, error) {
	defer s.metrics.TimeQuery("postgres", "latest_paid_purchase")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, purchaseColumns, s.tables.Purchases)
	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, userID, PurchaseStatusPaid))
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("query paid purchase: %w", err)
	}
	return p, nil
}

// MarkPurchasePaid flips pending to paid with a single conditional UPDATE.
// Only the caller whose statement matched the pending row gets the row back.
func (s *PostgresStore) MarkPurchasePaid(ctx context.Context, sessionID string, paidAt time.Time) (Purchase, error) {
	defer s.metrics.TimeQuery("postgres", "mark_purchase_paid")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, paid_at = $2
		WHERE stripe_session_id = $3 AND status = $4
		RETURNING %s
	`, s.tables.Purchases, purchaseColumns)

	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, PurchaseStatusPaid, paidAt.UTC(), sessionID, PurchaseStatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, ErrNotTransitioned
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("mark purchase paid: %w", err)
	}
	return p, nil
}

// MarkPurchaseScheduled sets scheduled_at once on a paid purchase owned by userID.
func (s *PostgresStore) MarkPurchaseScheduled(ctx context.Context, purchaseID, userID string, at time.Time) (Purchase, error) {
	defer s.metrics.TimeQuery("postgres", "mark_purchase_scheduled")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET scheduled_at = $1
		WHERE id = $2 AND user_id = $3 AND status = $4 AND scheduled_at IS NULL
		RETURNING %s
	`, s.tables.Purchases, purchaseColumns)

	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, at.UTC(), purchaseID, userID, PurchaseStatusPaid))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Purchase{}, fmt.Errorf("mark purchase scheduled: %w", err)
	}

	// Nothing matched; report why.
	existing, getErr := s.GetPurchase(ctx, purchaseID)
	if getErr != nil {
		return Purchase{}, getErr
	}
	return Purchase{}, scheduleConflict(existing, userID)
}

// scheduleConflict explains why a scheduling write did not match.
func scheduleConflict(p Purchase, userID string) error {
	switch {
	case p.UserID != userID:
		return ErrNotFound
	case !p.IsPaid():
		return ErrNotPaid
	default:
		return ErrAlreadyScheduled
	}
}

const userColumns = "id, email, name, job, company, created_at, updated_at"

func scanUser(s scanner) (User, error) {
	var u User
	err := s.Scan(&u.ID, &u.Email, &u.Name, &u.Job, &u.Company, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// GetUser retrieves a user profile.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	defer s.metrics.TimeQuery("postgres", "get_user")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, userColumns, s.tables.Users)
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// CreateUserIfAbsent inserts the profile unless one exists.
func (s *PostgresStore) CreateUserIfAbsent(ctx context.Context, u User) (bool, error) {
	if err := prepareUser(&u, time.Now().UTC()); err != nil {
		return false, err
	}
	defer s.metrics.TimeQuery("postgres", "create_user")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, s.tables.Users, userColumns)

	result, err := s.db.ExecContext(ctx, query, u.ID, u.Email, u.Name, u.Job, u.Company, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// UpdateUserProfile updates the editable profile fields.
func (s *PostgresStore) UpdateUserProfile(ctx context.Context, id, name, job, company string) (User, error) {
	defer s.metrics.TimeQuery("postgres", "update_user")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET name = $1, job = $2, company = $3, updated_at = $4
		WHERE id = $5
		RETURNING %s
	`, s.tables.Users, userColumns)

	u, err := scanUser(s.db.QueryRowContext(ctx, query, name, job, company, time.Now().UTC(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// AppendAuditEvent appends an event to the audit log.
func (s *PostgresStore) AppendAuditEvent(ctx context.Context, e AuditEvent) error {
	if err := prepareAuditEvent(&e, time.Now().UTC()); err != nil {
		return err
	}
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	defer s.metrics.TimeQuery("postgres", "append_audit_event")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, event_name, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.tables.AuditEvents)
	if _, err := s.db.ExecContext(ctx, query, e.ID, e.UserID, e.EventName, metadataJSON, e.CreatedAt); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the user's events, newest first.
func (s *PostgresStore) ListAuditEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	defer s.metrics.TimeQuery("postgres", "list_audit_events")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, user_id, event_name, metadata, created_at
		FROM %s
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, s.tables.AuditEvents)
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var (
			e            AuditEvent
			metadataJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventName, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const prepColumns = "user_id, purchase_id, questions, strengths, weaknesses, goals, challenges, context, updated_at"

func scanPrep(s scanner) (SessionPrep, error) {
	var p SessionPrep
	err := s.Scan(&p.UserID, &p.PurchaseID, pq.Array(&p.Questions), &p.Strengths, &p.Weaknesses, &p.Goals, &p.Challenges, &p.Context, &p.UpdatedAt)
	return p, err
}

// GetSessionPrep retrieves the questionnaire for a purchase.
func (s *PostgresStore) GetSessionPrep(ctx context.Context, userID, purchaseID string) (SessionPrep, error) {
	defer s.metrics.TimeQuery("postgres", "get_session_prep")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 AND purchase_id = $2`, prepColumns, s.tables.SessionPrep)
	p, err := scanPrep(s.db.QueryRowContext(ctx, query, userID, purchaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return SessionPrep{}, ErrNotFound
	}
	if err != nil {
		return SessionPrep{}, fmt.Errorf("query session prep: %w", err)
	}
	return p, nil
}

// UpsertSessionPrep creates or replaces the questionnaire for a purchase.
func (s *PostgresStore) UpsertSessionPrep(ctx context.Context, prep SessionPrep) (SessionPrep, error) {
	if err := prepareSessionPrep(&prep, time.Now().UTC()); err != nil {
		return SessionPrep{}, err
	}
	defer s.metrics.TimeQuery("postgres", "upsert_session_prep")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, purchase_id) DO UPDATE SET
			questions = EXCLUDED.questions,
			strengths = EXCLUDED.strengths,
			weaknesses = EXCLUDED.weaknesses,
			goals = EXCLUDED.goals,
			challenges = EXCLUDED.challenges,
			context = EXCLUDED.context,
			updated_at = EXCLUDED.updated_at
		RETURNING %[2]s
	`, s.tables.SessionPrep, prepColumns)

	p, err := scanPrep(s.db.QueryRowContext(ctx, query,
		prep.UserID, prep.PurchaseID, pq.Array(prep.Questions),
		prep.Strengths, prep.Weaknesses, prep.Goals, prep.Challenges, prep.Context, prep.UpdatedAt,
	))
	if err != nil {
		return SessionPrep{}, fmt.Errorf("upsert session prep: %w", err)
	}
	return p, nil
}
