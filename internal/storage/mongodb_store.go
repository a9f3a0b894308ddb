package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coachdesk/server/internal/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client        *mongo.Client
	purchases     *mongo.Collection
	users         *mongo.Collection
	auditEvents   *mongo.Collection
	sessionPrep   *mongo.Collection
	notifications *mongo.Collection
	queryTimeout  time.Duration
	metrics       *metrics.Metrics
}

// NewMongoDBStore connects to MongoDB and ensures indexes exist.
func NewMongoDBStore(ctx context.Context, connectionString, database string, tables TableNames, queryTimeout time.Duration) (*MongoDBStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	tables = tables.withDefaults()
	db := client.Database(database)

	store := &MongoDBStore{
		client:        client,
		purchases:     db.Collection(tables.Purchases),
		users:         db.Collection(tables.Users),
		auditEvents:   db.Collection(tables.AuditEvents),
		sessionPrep:   db.Collection(tables.SessionPrep),
		notifications: db.Collection(tables.Notifications),
		queryTimeout:  queryTimeout,
	}

	if err := store.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}

	return store, nil
}

// WithMetrics enables query duration instrumentation.
func (s *MongoDBStore) WithMetrics(m *metrics.Metrics) *MongoDBStore {
	s.metrics = m
	return s
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.purchases.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create purchases indexes: %w", err)
	}

	_, err = s.auditEvents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create audit events indexes: %w", err)
	}

	_, err = s.sessionPrep.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "purchase_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("create session prep indexes: %w", err)
	}

	_, err = s.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create notifications indexes: %w", err)
	}
	return nil
}

// Ping reports whether the primary is reachable.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoDBStore) findPurchase(ctx context.Context, filter bson.M) (Purchase, error) {
	defer s.metrics.TimeQuery("mongodb", "get_purchase")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var p Purchase
	err := s.purchases.FindOne(ctx, filter).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("find purchase: %w", err)
	}
	return p, nil
}

// CreatePurchase inserts a pending purchase.
func (s *MongoDBStore) CreatePurchase(ctx context.Context, p Purchase) (Purchase, error) {
	if err := preparePurchase(&p, time.Now().UTC()); err != nil {
		return Purchase{}, err
	}
	defer s.metrics.TimeQuery("mongodb", "create_purchase")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	if _, err := s.purchases.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Purchase{}, ErrDuplicateSession
		}
		return Purchase{}, fmt.Errorf("insert purchase: %w", err)
	}
	return p, nil
}

// GetPurchase retrieves a purchase by id.
func (s *MongoDBStore) GetPurchase(ctx context.Context, id string) (Purchase, error) {
	return s.findPurchase(ctx, bson.M{"_id": id})
}

// GetPurchaseBySession retrieves a purchase by checkout session id.
func (s *MongoDBStore) GetPurchaseBySession(ctx context.Context, sessionID string) (Purchase, error) {
	return s.findPurchase(ctx, bson.M{"session_id": sessionID})
}

// ListPurchasesByUser returns the user's purchases, newest first.
func (s *MongoDBStore) ListPurchasesByUser(ctx context.Context, userID string) ([]Purchase, error) {
	defer s.metrics.TimeQuery("mongodb", "list_purchases")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.purchases.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find purchases: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Purchase
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode purchases: %w", err)
	}
	return out, nil
}

// LatestPaidPurchase returns the newest paid purchase for the user.
func (s *MongoDBStore) LatestPaidPurchase(ctx context.Context, userID string) (Purchase, error) {
	defer s.metrics.TimeQuery("mongodb", "latest_paid_purchase")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var p Purchase
	err := s.purchases.FindOne(ctx, bson.M{"user_id": userID, "status": PurchaseStatusPaid}, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("find paid purchase: %w", err)
	}
	return p, nil
}

// MarkPurchasePaid flips pending to paid with a single FindOneAndUpdate.
func (s *MongoDBStore) MarkPurchasePaid(ctx context.Context, sessionID string, paidAt time.Time) (Purchase, error) {
	defer s.metrics.TimeQuery("mongodb", "mark_purchase_paid")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{"session_id": sessionID, "status": PurchaseStatusPending}
	update := bson.M{"$set": bson.M{"status": PurchaseStatusPaid, "paid_at": paidAt.UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var p Purchase
	err := s.purchases.FindOneAndUpdate(ctx, filter, update, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Purchase{}, ErrNotTransitioned
	}
	if err != nil {
		return Purchase{}, fmt.Errorf("mark purchase paid: %w", err)
	}
	return p, nil
}

// MarkPurchaseScheduled sets scheduled_at once on a paid purchase owned by userID.
func (s *MongoDBStore) MarkPurchaseScheduled(ctx context.Context, purchaseID, userID string, at time.Time) (Purchase, error) {
	defer s.metrics.TimeQuery("mongodb", "mark_purchase_scheduled")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{
		"_id":          purchaseID,
		"user_id":      userID,
		"status":       PurchaseStatusPaid,
		"scheduled_at": bson.M{"$exists": false},
	}
	update := bson.M{"$set": bson.M{"scheduled_at": at.UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var p Purchase
	err := s.purchases.FindOneAndUpdate(ctx, filter, update, opts).Decode(&p)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return Purchase{}, fmt.Errorf("mark purchase scheduled: %w", err)
	}

	existing, getErr := s.GetPurchase(ctx, purchaseID)
	if getErr != nil {
		return Purchase{}, getErr
	}
	return Purchase{}, scheduleConflict(existing, userID)
}

// GetUser retrieves a user profile.
func (s *MongoDBStore) GetUser(ctx context.Context, id string) (User, error) {
	defer s.metrics.TimeQuery("mongodb", "get_user")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var u User
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// CreateUserIfAbsent inserts the profile unless one exists.
func (s *MongoDBStore) CreateUserIfAbsent(ctx context.Context, u User) (bool, error) {
	if err := prepareUser(&u, time.Now().UTC()); err != nil {
		return false, err
	}
	defer s.metrics.TimeQuery("mongodb", "create_user")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.users.UpdateOne(ctx,
		bson.M{"_id": u.ID},
		bson.M{"$setOnInsert": u},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("upsert user: %w", err)
	}
	return result.UpsertedCount == 1, nil
}

// UpdateUserProfile updates the editable profile fields.
func (s *MongoDBStore) UpdateUserProfile(ctx context.Context, id, name, job, company string) (User, error) {
	defer s.metrics.TimeQuery("mongodb", "update_user")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"name":       name,
		"job":        job,
		"company":    company,
		"updated_at": time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var u User
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// AppendAuditEvent appends an event to the audit log.
func (s *MongoDBStore) AppendAuditEvent(ctx context.Context, e AuditEvent) error {
	if err := prepareAuditEvent(&e, time.Now().UTC()); err != nil {
		return err
	}
	defer s.metrics.TimeQuery("mongodb", "append_audit_event")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	if _, err := s.auditEvents.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the user's events, newest first.
func (s *MongoDBStore) ListAuditEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	defer s.metrics.TimeQuery("mongodb", "list_audit_events")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.auditEvents.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find audit events: %w", err)
	}
	defer cursor.Close(ctx)

	var out []AuditEvent
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode audit events: %w", err)
	}
	return out, nil
}

// GetSessionPrep retrieves the questionnaire for a purchase.
func (s *MongoDBStore) GetSessionPrep(ctx context.Context, userID, purchaseID string) (SessionPrep, error) {
	defer s.metrics.TimeQuery("mongodb", "get_session_prep")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var p SessionPrep
	err := s.sessionPrep.FindOne(ctx, bson.M{"user_id": userID, "purchase_id": purchaseID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return SessionPrep{}, ErrNotFound
	}
	if err != nil {
		return SessionPrep{}, fmt.Errorf("find session prep: %w", err)
	}
	return p, nil
}

// UpsertSessionPrep creates or replaces the questionnaire for a purchase.
func (s *MongoDBStore) UpsertSessionPrep(ctx context.Context, prep SessionPrep) (SessionPrep, error) {
	if err := prepareSessionPrep(&prep, time.Now().UTC()); err != nil {
		return SessionPrep{}, err
	}
	defer s.metrics.TimeQuery("mongodb", "upsert_session_prep")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{"user_id": prep.UserID, "purchase_id": prep.PurchaseID}
	if _, err := s.sessionPrep.ReplaceOne(ctx, filter, prep, options.Replace().SetUpsert(true)); err != nil {
		return SessionPrep{}, fmt.Errorf("upsert session prep: %w", err)
	}
	return prep, nil
}

// EnqueueNotifications inserts all jobs. A partial insert is rolled back by deleting what landed.
func (s *MongoDBStore) EnqueueNotifications(ctx context.Context, jobs []NotificationJob) error {
	if len(jobs) == 0 {
		return nil
	}
	defer s.metrics.TimeQuery("mongodb", "enqueue_notifications")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	docs := make([]interface{}, len(jobs))
	ids := make([]string, len(jobs))
	for i := range jobs {
		job := jobs[i]
		prepareJob(&job, now)
		docs[i] = job
		ids[i] = job.ID
	}

	if _, err := s.notifications.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		_, _ = s.notifications.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
		return fmt.Errorf("enqueue notifications: %w", err)
	}
	return nil
}

// DequeueNotifications returns pending jobs due for delivery, earliest first.
func (s *MongoDBStore) DequeueNotifications(ctx context.Context, limit int) ([]NotificationJob, error) {
	if limit <= 0 {
		limit = 10
	}
	defer s.metrics.TimeQuery("mongodb", "dequeue_notifications")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{
		"status":          JobStatusPending,
		"next_attempt_at": bson.M{"$lte": time.Now().UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).SetLimit(int64(limit))
	return s.findJobs(ctx, filter, opts)
}

// MarkNotificationProcessing claims a pending job; only one worker wins.
func (s *MongoDBStore) MarkNotificationProcessing(ctx context.Context, id string) error {
	defer s.metrics.TimeQuery("mongodb", "claim_notification")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.notifications.UpdateOne(ctx,
		bson.M{"_id": id, "status": JobStatusPending},
		bson.M{
			"$set": bson.M{"status": JobStatusProcessing, "last_attempt_at": time.Now().UTC()},
			"$inc": bson.M{"attempts": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("claim notification: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, err := s.GetNotification(ctx, id); err != nil {
			return err
		}
		return ErrNotClaimed
	}
	return nil
}

// ReleaseStaleNotifications dead-letters exhausted abandoned claims, then
// requeues the rest.
func (s *MongoDBStore) ReleaseStaleNotifications(ctx context.Context, claimedBefore time.Time) (int, error) {
	defer s.metrics.TimeQuery("mongodb", "release_stale_notifications")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	stale := bson.M{"status": JobStatusProcessing, "last_attempt_at": bson.M{"$lt": claimedBefore.UTC()}}

	exhausted := bson.M{"$expr": bson.M{"$gte": bson.A{"$attempts", "$max_attempts"}}}
	for k, v := range stale {
		exhausted[k] = v
	}
	dead, err := s.notifications.UpdateMany(ctx, exhausted, bson.M{"$set": bson.M{
		"status":       JobStatusFailed,
		"last_error":   ClaimExpiredError,
		"completed_at": now,
	}})
	if err != nil {
		return 0, fmt.Errorf("dead-letter stale notifications: %w", err)
	}

	requeued, err := s.notifications.UpdateMany(ctx, stale, bson.M{"$set": bson.M{
		"status":          JobStatusPending,
		"last_error":      ClaimExpiredError,
		"next_attempt_at": now,
	}})
	if err != nil {
		return int(dead.ModifiedCount), fmt.Errorf("requeue stale notifications: %w", err)
	}
	return int(dead.ModifiedCount + requeued.ModifiedCount), nil
}

// MarkNotificationDelivered removes a delivered job.
func (s *MongoDBStore) MarkNotificationDelivered(ctx context.Context, id string) error {
	return s.deleteJob(ctx, "notification_delivered", id)
}

// MarkNotificationFailed records the failure and either reschedules or dead-letters the job.
func (s *MongoDBStore) MarkNotificationFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	job, err := s.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	defer s.metrics.TimeQuery("mongodb", "notification_failed")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	set := bson.M{"last_error": errMsg}
	if job.IsExhausted() {
		set["status"] = JobStatusFailed
		set["completed_at"] = time.Now().UTC()
	} else {
		set["status"] = JobStatusPending
		set["next_attempt_at"] = nextAttemptAt.UTC()
	}

	result, err := s.notifications.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetNotification retrieves a job by id.
func (s *MongoDBStore) GetNotification(ctx context.Context, id string) (NotificationJob, error) {
	defer s.metrics.TimeQuery("mongodb", "get_notification")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var job NotificationJob
	err := s.notifications.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return NotificationJob{}, ErrNotFound
	}
	if err != nil {
		return NotificationJob{}, fmt.Errorf("find notification: %w", err)
	}
	return job, nil
}

// ListNotifications lists jobs with an optional status filter, newest first.
func (s *MongoDBStore) ListNotifications(ctx context.Context, status JobStatus, limit int) ([]NotificationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	defer s.metrics.TimeQuery("mongodb", "list_notifications")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	return s.findJobs(ctx, filter, opts)
}

// RetryNotification resets a job to pending with a fresh attempt budget.
func (s *MongoDBStore) RetryNotification(ctx context.Context, id string) error {
	defer s.metrics.TimeQuery("mongodb", "retry_notification")()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.notifications.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"status":          JobStatusPending,
			"attempts":        0,
			"last_error":      "",
			"next_attempt_at": time.Now().UTC(),
		},
		"$unset": bson.M{"completed_at": ""},
	})
	if err != nil {
		return fmt.Errorf("retry notification: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNotification removes a job.
func (s *MongoDBStore) DeleteNotification(ctx context.Context, id string) error {
	return s.deleteJob(ctx, "delete_notification", id)
}

func (s *MongoDBStore) deleteJob(ctx context.Context, op, id string) error {
	defer s.metrics.TimeQuery("mongodb", op)()
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.notifications.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) findJobs(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]NotificationJob, error) {
	cursor, err := s.notifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find notifications: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []NotificationJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return jobs, nil
}
