package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = "id, kind, user_id, session_id, name, payload, status, attempts, max_attempts, last_error, last_attempt_at, next_attempt_at, created_at, completed_at"

func scanJob(s scanner) (NotificationJob, error) {
	var (
		job           NotificationJob
		payload       []byte
		lastAttemptAt sql.NullTime
		completedAt   sql.NullTime
	)
	err := s.Scan(
		&job.ID, &job.Kind, &job.UserID, &job.SessionID, &job.Name, &payload,
		&job.Status, &job.Attempts, &job.MaxAttempts, &job.LastError,
		&lastAttemptAt, &job.NextAttemptAt, &job.CreatedAt, &completedAt,
	)
	if err != nil {
		return NotificationJob{}, err
	}
	job.Payload = payload
	job.LastAttemptAt = timePtr(lastAttemptAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

// EnqueueNotifications inserts all jobs in one transaction.
func (s *PostgresStore) EnqueueNotifications(ctx context.Context, jobs []NotificationJob) error {
	if len(jobs) == 0 {
		return nil
	}
	defer s.metrics.TimeQuery("postgres", "enqueue_notifications")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, kind, user_id, session_id, name, payload, status, attempts, max_attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
	`, s.tables.Notifications)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare enqueue: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range jobs {
		job := jobs[i]
		prepareJob(&job, now)
		if _, err := stmt.ExecContext(ctx,
			job.ID, job.Kind, job.UserID, job.SessionID, job.Name, []byte(job.Payload),
			job.Status, job.MaxAttempts, job.NextAttemptAt, job.CreatedAt,
		); err != nil {
			return fmt.Errorf("enqueue notification %s: %w", job.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// DequeueNotifications returns pending jobs due for delivery, earliest first.
func (s *PostgresStore) DequeueNotifications(ctx context.Context, limit int) ([]NotificationJob, error) {
	if limit <= 0 {
		limit = 10
	}
	defer s.metrics.TimeQuery("postgres", "dequeue_notifications")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC
		LIMIT $3
	`, jobColumns, s.tables.Notifications)

	return s.queryJobs(ctx, query, JobStatusPending, time.Now().UTC(), limit)
}

// MarkNotificationProcessing claims a pending job; only one worker wins.
func (s *PostgresStore) MarkNotificationProcessing(ctx context.Context, id string) error {
	defer s.metrics.TimeQuery("postgres", "claim_notification")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = attempts + 1, last_attempt_at = $2
		WHERE id = $3 AND status = $4
	`, s.tables.Notifications)

	result, err := s.db.ExecContext(ctx, query, JobStatusProcessing, time.Now().UTC(), id, JobStatusPending)
	if err != nil {
		return fmt.Errorf("claim notification: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetNotification(ctx, id); err != nil {
			return err
		}
		return ErrNotClaimed
	}
	return nil
}

// ReleaseStaleNotifications requeues or dead-letters abandoned claims in one statement.
func (s *PostgresStore) ReleaseStaleNotifications(ctx context.Context, claimedBefore time.Time) (int, error) {
	defer s.metrics.TimeQuery("postgres", "release_stale_notifications")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET last_error = $1,
			status = CASE WHEN attempts >= max_attempts THEN $2 ELSE $3 END,
			next_attempt_at = CASE WHEN attempts >= max_attempts THEN next_attempt_at ELSE $4 END,
			completed_at = CASE WHEN attempts >= max_attempts THEN $4 ELSE NULL END
		WHERE status = $5 AND last_attempt_at < $6
	`, s.tables.Notifications)

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, ClaimExpiredError, JobStatusFailed, JobStatusPending, now, JobStatusProcessing, claimedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale notifications: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// MarkNotificationDelivered removes a delivered job.
func (s *PostgresStore) MarkNotificationDelivered(ctx context.Context, id string) error {
	return s.deleteJob(ctx, "notification_delivered", id)
}

// MarkNotificationFailed records the failure and either reschedules or dead-letters the job.
func (s *PostgresStore) MarkNotificationFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	defer s.metrics.TimeQuery("postgres", "notification_failed")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET last_error = $1,
			status = CASE WHEN attempts >= max_attempts THEN $2 ELSE $3 END,
			next_attempt_at = CASE WHEN attempts >= max_attempts THEN next_attempt_at ELSE $4 END,
			completed_at = CASE WHEN attempts >= max_attempts THEN $5 ELSE NULL END
		WHERE id = $6
	`, s.tables.Notifications)

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, errMsg, JobStatusFailed, JobStatusPending, nextAttemptAt.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return requireRow(result)
}

// GetNotification retrieves a job by id.
func (s *PostgresStore) GetNotification(ctx context.Context, id string) (NotificationJob, error) {
	defer s.metrics.TimeQuery("postgres", "get_notification")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.tables.Notifications)
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationJob{}, ErrNotFound
	}
	if err != nil {
		return NotificationJob{}, fmt.Errorf("query notification: %w", err)
	}
	return job, nil
}

// ListNotifications lists jobs with an optional status filter, newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, status JobStatus, limit int) ([]NotificationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	defer s.metrics.TimeQuery("postgres", "list_notifications")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	if status == "" {
		query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1`, jobColumns, s.tables.Notifications)
		return s.queryJobs(ctx, query, limit)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, jobColumns, s.tables.Notifications)
	return s.queryJobs(ctx, query, status, limit)
}

// RetryNotification resets a job to pending with a fresh attempt budget.
func (s *PostgresStore) RetryNotification(ctx context.Context, id string) error {
	defer s.metrics.TimeQuery("postgres", "retry_notification")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = 0, last_error = '', completed_at = NULL, next_attempt_at = $2
		WHERE id = $3
	`, s.tables.Notifications)

	result, err := s.db.ExecContext(ctx, query, JobStatusPending, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("retry notification: %w", err)
	}
	return requireRow(result)
}

// DeleteNotification removes a job.
func (s *PostgresStore) DeleteNotification(ctx context.Context, id string) error {
	return s.deleteJob(ctx, "delete_notification", id)
}

func (s *PostgresStore) deleteJob(ctx context.Context, op, id string) error {
	defer s.metrics.TimeQuery("postgres", op)()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tables.Notifications)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]NotificationJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var jobs []NotificationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// requireRow maps a zero-row write onto ErrNotFound.
func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
