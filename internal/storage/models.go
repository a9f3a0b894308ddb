package storage

import (
	"encoding/json"
	"time"
)

// PurchaseStatus is the two-state lifecycle of a purchase. Once paid it never reverts.
type PurchaseStatus string

const (
	PurchaseStatusPending PurchaseStatus = "pending"
	PurchaseStatusPaid    PurchaseStatus = "paid"
)

// Purchase is one coaching-session checkout keyed by its Stripe checkout session id.
type Purchase struct {
	ID          string         `json:"id" bson:"_id"`
	UserID      string         `json:"userId" bson:"user_id"`
	SessionID   string         `json:"sessionId" bson:"session_id"`
	Status      PurchaseStatus `json:"status" bson:"status"`
	AmountCents int64          `json:"amountCents" bson:"amount_cents"`
	Currency    string         `json:"currency" bson:"currency"`
	ScheduledAt *time.Time     `json:"scheduledAt,omitempty" bson:"scheduled_at,omitempty"`
	PaidAt      *time.Time     `json:"paidAt,omitempty" bson:"paid_at,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" bson:"created_at"`
}

// IsPaid reports whether the purchase has been reconciled.
func (p Purchase) IsPaid() bool {
	return p.Status == PurchaseStatusPaid
}

// User is the local profile mirrored from the hosted auth provider.
type User struct {
	ID        string    `json:"id" bson:"_id"`
	Email     string    `json:"email" bson:"email"`
	Name      string    `json:"name" bson:"name"`
	Job       string    `json:"job" bson:"job"`
	Company   string    `json:"company" bson:"company"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// AuditEvent is an append-only record of a tracked behavioral event.
type AuditEvent struct {
	ID        string         `json:"id" bson:"_id"`
	UserID    string         `json:"userId" bson:"user_id"`
	EventName string         `json:"eventName" bson:"event_name"`
	Metadata  map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt" bson:"created_at"`
}

// SessionPrep holds the pre-session questionnaire for one paid purchase.
type SessionPrep struct {
	UserID     string    `json:"userId" bson:"user_id"`
	PurchaseID string    `json:"purchaseId" bson:"purchase_id"`
	Questions  []string  `json:"questions" bson:"questions"`
	Strengths  string    `json:"strengths" bson:"strengths"`
	Weaknesses string    `json:"weaknesses" bson:"weaknesses"`
	Goals      string    `json:"goals" bson:"goals"`
	Challenges string    `json:"challenges" bson:"challenges"`
	Context    string    `json:"context" bson:"context"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updated_at"`
}

// JobKind identifies which notification side effect a job performs.
type JobKind string

const (
	JobKindTrack JobKind = "track" // Customer.io behavioral event
	JobKindAudit JobKind = "audit" // local audit log entry
	JobKindEmail JobKind = "email" // transactional email
)

// JobStatus represents the current state of a notification job in the outbox.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"    // Waiting for delivery
	JobStatusProcessing JobStatus = "processing" // Claimed by a worker
	JobStatusFailed     JobStatus = "failed"     // Exhausted all attempts (dead letter)
)

// NotificationJob is one durable notification side effect waiting for delivery or retry.
// Delivered jobs are removed from the outbox.
type NotificationJob struct {
	ID            string          `json:"id" bson:"_id"`
	Kind          JobKind         `json:"kind" bson:"kind"`
	UserID        string          `json:"userId" bson:"user_id"`
	SessionID     string          `json:"sessionId" bson:"session_id"`
	Name          string          `json:"name" bson:"name"` // event name or transactional message id
	Payload       json.RawMessage `json:"payload" bson:"payload"`
	Status        JobStatus       `json:"status" bson:"status"`
	Attempts      int             `json:"attempts" bson:"attempts"`
	MaxAttempts   int             `json:"maxAttempts" bson:"max_attempts"`
	LastError     string          `json:"lastError,omitempty" bson:"last_error"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty" bson:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt" bson:"next_attempt_at"`
	CreatedAt     time.Time       `json:"createdAt" bson:"created_at"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
}

// IsReadyForDelivery returns true if the job should be processed at now.
func (j NotificationJob) IsReadyForDelivery(now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	return j.NextAttemptAt.IsZero() || !j.NextAttemptAt.After(now)
}

// IsExhausted returns true once the job has used every allowed attempt.
func (j NotificationJob) IsExhausted() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// ClaimExpiredError is recorded on jobs whose worker never settled them.
const ClaimExpiredError = "delivery interrupted: claim expired"

// DefaultMaxAttempts applies when a job is enqueued without an explicit limit.
const DefaultMaxAttempts = 5

// prepareJob fills defaults on a job about to be enqueued.
func prepareJob(job *NotificationJob, now time.Time) {
	if job.ID == "" {
		job.ID = newID()
	}
	job.Status = JobStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
}
