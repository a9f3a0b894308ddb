package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation suitable for tests and single-instance development.
// A single mutex serializes writes, which gives MarkPurchasePaid the same compare-and-swap
// semantics the database backends get from conditional updates.
type MemoryStore struct {
	mu            sync.RWMutex
	purchases     map[string]Purchase // purchaseID -> purchase
	bySession     map[string]string   // sessionID -> purchaseID
	users         map[string]User
	audit         []AuditEvent
	prep          map[string]SessionPrep // userID|purchaseID -> prep
	notifications map[string]NotificationJob
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases:     make(map[string]Purchase),
		bySession:     make(map[string]string),
		users:         make(map[string]User),
		prep:          make(map[string]SessionPrep),
		notifications: make(map[string]NotificationJob),
	}
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}

// clonePurchase copies pointer fields so callers cannot mutate stored state.
func clonePurchase(p Purchase) Purchase {
	if p.ScheduledAt != nil {
		p.ScheduledAt = ptrTime(*p.ScheduledAt)
	}
	if p.PaidAt != nil {
		p.PaidAt = ptrTime(*p.PaidAt)
	}
	return p
}

// CreatePurchase inserts a pending purchase.
func (m *MemoryStore) CreatePurchase(_ context.Context, p Purchase) (Purchase, error) {
	if err := preparePurchase(&p, time.Now().UTC()); err != nil {
		return Purchase{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySession[p.SessionID]; exists {
		return Purchase{}, ErrDuplicateSession
	}
	m.purchases[p.ID] = clonePurchase(p)
	m.bySession[p.SessionID] = p.ID
	return p, nil
}

// GetPurchase retrieves a purchase by id.
func (m *MemoryStore) GetPurchase(_ context.Context, id string) (Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return clonePurchase(p), nil
}

// GetPurchaseBySession retrieves a purchase by checkout session id.
func (m *MemoryStore) GetPurchaseBySession(_ context.Context, sessionID string) (Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return clonePurchase(m.purchases[id]), nil
}

// ListPurchasesByUser returns the user's purchases, newest first.
func (m *MemoryStore) ListPurchasesByUser(_ context.Context, userID string) ([]Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Purchase
	for _, p := range m.purchases {
		if p.UserID == userID {
			out = append(out, clonePurchase(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// LatestPaidPurchase returns the newest paid purchase for the user.
func (m *MemoryStore) LatestPaidPurchase(ctx context.Context, userID string) (Purchase, error) {
	purchases, err := m.ListPurchasesByUser(ctx, userID)
	if err != nil {
		return Purchase{}, err
	}
	for _, p := range purchases {
		if p.IsPaid() {
			return p, nil
		}
	}
	return Purchase{}, ErrNotFound
}

// MarkPurchasePaid flips a pending purchase to paid under the write lock.
func (m *MemoryStore) MarkPurchasePaid(_ context.Context, sessionID string, paidAt time.Time) (Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return Purchase{}, ErrNotTransitioned
	}
	p := m.purchases[id]
	if p.Status != PurchaseStatusPending {
		return Purchase{}, ErrNotTransitioned
	}
	p.Status = PurchaseStatusPaid
	p.PaidAt = ptrTime(paidAt.UTC())
	m.purchases[id] = p
	return clonePurchase(p), nil
}

// MarkPurchaseScheduled sets scheduled_at once on a paid purchase owned by userID.
func (m *MemoryStore) MarkPurchaseScheduled(_ context.Context, purchaseID, userID string, at time.Time) (Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.purchases[purchaseID]
	if !ok || p.UserID != userID {
		return Purchase{}, ErrNotFound
	}
	if !p.IsPaid() {
		return Purchase{}, ErrNotPaid
	}
	if p.ScheduledAt != nil {
		return Purchase{}, ErrAlreadyScheduled
	}
	p.ScheduledAt = ptrTime(at.UTC())
	m.purchases[purchaseID] = p
	return clonePurchase(p), nil
}

// GetUser retrieves a user profile.
func (m *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// CreateUserIfAbsent inserts the profile unless one exists.
func (m *MemoryStore) CreateUserIfAbsent(_ context.Context, u User) (bool, error) {
	if err := prepareUser(&u, time.Now().UTC()); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.ID]; exists {
		return false, nil
	}
	m.users[u.ID] = u
	return true, nil
}

// UpdateUserProfile updates the editable profile fields.
func (m *MemoryStore) UpdateUserProfile(_ context.Context, id, name, job, company string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Name, u.Job, u.Company = name, job, company
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return u, nil
}

// AppendAuditEvent appends an event to the audit log.
func (m *MemoryStore) AppendAuditEvent(_ context.Context, e AuditEvent) error {
	if err := prepareAuditEvent(&e, time.Now().UTC()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, e)
	return nil
}

// ListAuditEvents returns the user's events, newest first.
func (m *MemoryStore) ListAuditEvents(_ context.Context, userID string, limit int) ([]AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []AuditEvent
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].UserID != userID {
			continue
		}
		out = append(out, m.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func prepKey(userID, purchaseID string) string {
	return userID + "|" + purchaseID
}

// GetSessionPrep retrieves the questionnaire for a purchase.
func (m *MemoryStore) GetSessionPrep(_ context.Context, userID, purchaseID string) (SessionPrep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prep[prepKey(userID, purchaseID)]
	if !ok {
		return SessionPrep{}, ErrNotFound
	}
	p.Questions = append([]string(nil), p.Questions...)
	return p, nil
}

// UpsertSessionPrep creates or replaces the questionnaire for a purchase.
func (m *MemoryStore) UpsertSessionPrep(_ context.Context, prep SessionPrep) (SessionPrep, error) {
	if err := prepareSessionPrep(&prep, time.Now().UTC()); err != nil {
		return SessionPrep{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prep.Questions = append([]string(nil), prep.Questions...)
	m.prep[prepKey(prep.UserID, prep.PurchaseID)] = prep
	return prep, nil
}

// EnqueueNotifications adds jobs to the outbox.
func (m *MemoryStore) EnqueueNotifications(_ context.Context, jobs []NotificationJob) error {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range jobs {
		job := jobs[i]
		prepareJob(&job, now)
		job.Payload = append(json.RawMessage(nil), job.Payload...)
		m.notifications[job.ID] = job
	}
	return nil
}

// DequeueNotifications returns pending jobs due for delivery.
func (m *MemoryStore) DequeueNotifications(_ context.Context, limit int) ([]NotificationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var ready []NotificationJob
	for _, job := range m.notifications {
		if job.IsReadyForDelivery(now) {
			ready = append(ready, job)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// MarkNotificationProcessing claims a pending job.
func (m *MemoryStore) MarkNotificationProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != JobStatusPending {
		return ErrNotClaimed
	}
	job.Status = JobStatusProcessing
	job.Attempts++
	job.LastAttemptAt = ptrTime(time.Now().UTC())
	m.notifications[id] = job
	return nil
}

// ReleaseStaleNotifications requeues or dead-letters abandoned claims.
func (m *MemoryStore) ReleaseStaleNotifications(_ context.Context, claimedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	released := 0
	for id, job := range m.notifications {
		if job.Status != JobStatusProcessing || job.LastAttemptAt == nil || !job.LastAttemptAt.Before(claimedBefore) {
			continue
		}
		job.LastError = ClaimExpiredError
		if job.IsExhausted() {
			job.Status = JobStatusFailed
			job.CompletedAt = ptrTime(now)
		} else {
			job.Status = JobStatusPending
			job.NextAttemptAt = now
		}
		m.notifications[id] = job
		released++
	}
	return released, nil
}

// MarkNotificationDelivered removes a delivered job.
func (m *MemoryStore) MarkNotificationDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[id]; !ok {
		return ErrNotFound
	}
	delete(m.notifications, id)
	return nil
}

// MarkNotificationFailed records a failed attempt and schedules a retry or dead-letters the job.
func (m *MemoryStore) MarkNotificationFailed(_ context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	job.LastError = errMsg
	if job.IsExhausted() {
		job.Status = JobStatusFailed
		job.CompletedAt = ptrTime(now)
	} else {
		job.Status = JobStatusPending
		job.NextAttemptAt = nextAttemptAt.UTC()
	}
	m.notifications[id] = job
	return nil
}

// GetNotification retrieves a job by id.
func (m *MemoryStore) GetNotification(_ context.Context, id string) (NotificationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.notifications[id]
	if !ok {
		return NotificationJob{}, ErrNotFound
	}
	return job, nil
}

// ListNotifications lists jobs with an optional status filter, newest first.
func (m *MemoryStore) ListNotifications(_ context.Context, status JobStatus, limit int) ([]NotificationJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []NotificationJob
	for _, job := range m.notifications {
		if status == "" || job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RetryNotification resets a job to pending with a fresh attempt budget.
func (m *MemoryStore) RetryNotification(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = JobStatusPending
	job.Attempts = 0
	job.LastError = ""
	job.CompletedAt = nil
	job.NextAttemptAt = time.Now().UTC()
	m.notifications[id] = job
	return nil
}

// DeleteNotification removes a job.
func (m *MemoryStore) DeleteNotification(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[id]; !ok {
		return ErrNotFound
	}
	delete(m.notifications, id)
	return nil
}

// trimQuestions drops blank questions and surrounding whitespace.
func trimQuestions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, q := range in {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}
