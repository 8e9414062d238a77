// Package mongo implements the Store on MongoDB. Engine rows map one-to-one
// onto documents via their bson tags; conditional updates (timer claims,
// locks, idempotency claims) lean on unique _id inserts and filtered updates
// so concurrent workers never need multi-document transactions.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/perdura/durable/api"
	clientsmongo "github.com/perdura/durable/features/store/mongo/clients/mongo"
	"github.com/perdura/durable/store"
)

// Store is the MongoDB backend.
type Store struct {
	client *clientsmongo.Client
}

var (
	_ store.Store           = (*Store)(nil)
	_ store.Lifecycle       = (*Store)(nil)
	_ store.AuditSink       = (*Store)(nil)
	_ store.StepLister      = (*Store)(nil)
	_ store.TimerClaimer    = (*Store)(nil)
	_ store.Locker          = (*Store)(nil)
	_ store.IdempotencyMap  = (*Store)(nil)
	_ store.ExecutionLister = (*Store)(nil)
	_ store.StuckLister     = (*Store)(nil)
	_ store.OperatorEditor  = (*Store)(nil)
)

// New constructs a Mongo store over the given client.
func New(client *clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	return &Store{client: client}, nil
}

// Init verifies the connection and creates indexes.
func (s *Store) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return err
	}
	return s.client.EnsureIndexes(ctx)
}

// Dispose disconnects when the store owns the connection.
func (s *Store) Dispose(ctx context.Context) error {
	return s.client.Close(ctx)
}

func terminalStatuses() bson.A {
	return bson.A{
		api.ExecutionCompleted,
		api.ExecutionFailed,
		api.ExecutionCompensationFailed,
		api.ExecutionCancelled,
	}
}

// SaveExecution persists a new execution document.
func (s *Store) SaveExecution(ctx context.Context, exec *api.Execution) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	_, err := s.client.Collection(clientsmongo.CollExecutions).InsertOne(ctx, exec)
	if err != nil {
		return fmt.Errorf("mongo insert execution: %w", err)
	}
	return nil
}

// GetExecution loads an execution document.
func (s *Store) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	var exec api.Execution
	err := s.client.Collection(clientsmongo.CollExecutions).
		FindOne(ctx, bson.M{"_id": id}).Decode(&exec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get execution: %w", err)
	}
	return &exec, nil
}

// UpdateExecution replaces an existing execution document.
func (s *Store) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	res, err := s.client.Collection(clientsmongo.CollExecutions).
		ReplaceOne(ctx, bson.M{"_id": exec.ID}, exec)
	if err != nil {
		return fmt.Errorf("mongo update execution: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListIncompleteExecutions returns every non-terminal execution.
func (s *Store) ListIncompleteExecutions(ctx context.Context) ([]*api.Execution, error) {
	return s.findExecutions(ctx, bson.M{"status": bson.M{"$nin": terminalStatuses()}}, 0, 0)
}

func (s *Store) findExecutions(ctx context.Context, filter bson.M, limit, offset int) ([]*api.Execution, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	cursor, err := s.client.Collection(clientsmongo.CollExecutions).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find executions: %w", err)
	}
	var out []*api.Execution
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo decode executions: %w", err)
	}
	return out, nil
}

// GetStepResult loads one step slot.
func (s *Store) GetStepResult(ctx context.Context, executionID, stepID string) (*api.StepResult, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	var res api.StepResult
	err := s.client.Collection(clientsmongo.CollSteps).
		FindOne(ctx, bson.M{"execution_id": executionID, "step_id": stepID}).Decode(&res)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get step: %w", err)
	}
	return &res, nil
}

// SaveStepResult creates or replaces a step slot.
func (s *Store) SaveStepResult(ctx context.Context, res *api.StepResult) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	_, err := s.client.Collection(clientsmongo.CollSteps).ReplaceOne(ctx,
		bson.M{"execution_id": res.ExecutionID, "step_id": res.StepID},
		res, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo save step: %w", err)
	}
	return nil
}

// ListStepResults returns every step slot of an execution ordered by id.
func (s *Store) ListStepResults(ctx context.Context, executionID string) ([]*api.StepResult, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	cursor, err := s.client.Collection(clientsmongo.CollSteps).Find(ctx,
		bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "step_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo list steps: %w", err)
	}
	var out []*api.StepResult
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo decode steps: %w", err)
	}
	return out, nil
}

// CreateTimer persists (or replaces) a pending timer document.
func (s *Store) CreateTimer(ctx context.Context, timer *api.Timer) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	_, err := s.client.Collection(clientsmongo.CollTimers).ReplaceOne(ctx,
		bson.M{"_id": timer.ID}, timer, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo create timer: %w", err)
	}
	s.client.Collection(clientsmongo.CollClaims).DeleteOne(ctx, bson.M{"_id": timer.ID})
	return nil
}

// GetReadyTimers returns pending timers due at now, ordered by fire time.
func (s *Store) GetReadyTimers(ctx context.Context, now time.Time) ([]*api.Timer, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	cursor, err := s.client.Collection(clientsmongo.CollTimers).Find(ctx,
		bson.M{"status": api.TimerPending, "fire_at": bson.M{"$lte": now}},
		options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo ready timers: %w", err)
	}
	var out []*api.Timer
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo decode timers: %w", err)
	}
	return out, nil
}

// MarkTimerFired flips a timer to fired.
func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	res, err := s.client.Collection(clientsmongo.CollTimers).UpdateOne(ctx,
		bson.M{"_id": id}, bson.M{"$set": bson.M{"status": api.TimerFired}})
	if err != nil {
		return fmt.Errorf("mongo mark timer fired: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteTimer removes a timer document and its claim.
func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	if _, err := s.client.Collection(clientsmongo.CollTimers).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("mongo delete timer: %w", err)
	}
	s.client.Collection(clientsmongo.CollClaims).DeleteOne(ctx, bson.M{"_id": id})
	return nil
}

// ClaimTimer leases a timer to one worker. The claim document's unique _id
// makes the insert race safe; an expired or own claim is taken over with a
// filtered update.
func (s *Store) ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	now := time.Now().UTC()
	claims := s.client.Collection(clientsmongo.CollClaims)
	res, err := claims.UpdateOne(ctx,
		bson.M{"_id": id, "$or": bson.A{
			bson.M{"worker_id": workerID},
			bson.M{"expires_at": bson.M{"$lt": now}},
		}},
		bson.M{"$set": bson.M{"worker_id": workerID, "expires_at": now.Add(ttl)}})
	if err != nil {
		return false, fmt.Errorf("mongo claim timer: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	_, err = claims.InsertOne(ctx, bson.M{
		"_id":        id,
		"worker_id":  workerID,
		"expires_at": now.Add(ttl),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongo claim timer: %w", err)
	}
	return true, nil
}

// CreateSchedule persists a schedule document.
func (s *Store) CreateSchedule(ctx context.Context, sched *api.Schedule) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	_, err := s.client.Collection(clientsmongo.CollSchedules).ReplaceOne(ctx,
		bson.M{"_id": sched.ID}, sched, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo create schedule: %w", err)
	}
	return nil
}

// GetSchedule loads a schedule document.
func (s *Store) GetSchedule(ctx context.Context, id string) (*api.Schedule, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	var sched api.Schedule
	err := s.client.Collection(clientsmongo.CollSchedules).
		FindOne(ctx, bson.M{"_id": id}).Decode(&sched)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get schedule: %w", err)
	}
	return &sched, nil
}

// UpdateSchedule replaces a schedule document.
func (s *Store) UpdateSchedule(ctx context.Context, sched *api.Schedule) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	res, err := s.client.Collection(clientsmongo.CollSchedules).
		ReplaceOne(ctx, bson.M{"_id": sched.ID}, sched)
	if err != nil {
		return fmt.Errorf("mongo update schedule: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule document.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	res, err := s.client.Collection(clientsmongo.CollSchedules).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo delete schedule: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSchedules returns every schedule document.
func (s *Store) ListSchedules(ctx context.Context) ([]*api.Schedule, error) {
	return s.findSchedules(ctx, bson.M{})
}

// ListActiveSchedules returns schedules with status active.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*api.Schedule, error) {
	return s.findSchedules(ctx, bson.M{"status": api.ScheduleActive})
}

func (s *Store) findSchedules(ctx context.Context, filter bson.M) ([]*api.Schedule, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	cursor, err := s.client.Collection(clientsmongo.CollSchedules).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo find schedules: %w", err)
	}
	var out []*api.Schedule
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo decode schedules: %w", err)
	}
	return out, nil
}

// AppendAuditEntry persists one audit entry.
func (s *Store) AppendAuditEntry(ctx context.Context, entry *api.AuditEntry) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	_, err := s.client.Collection(clientsmongo.CollAudit).InsertOne(ctx, entry)
	if err != nil {
		return fmt.Errorf("mongo append audit: %w", err)
	}
	return nil
}

// ListAuditEntries returns the execution's trail ordered by entry id.
func (s *Store) ListAuditEntries(ctx context.Context, executionID string) ([]*api.AuditEntry, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	cursor, err := s.client.Collection(clientsmongo.CollAudit).Find(ctx,
		bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo list audit: %w", err)
	}
	var out []*api.AuditEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo decode audit: %w", err)
	}
	return out, nil
}

// AcquireLock takes the named lock unless a live holder owns it.
func (s *Store) AcquireLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	now := time.Now().UTC()
	locks := s.client.Collection(clientsmongo.CollLocks)
	res, err := locks.UpdateOne(ctx,
		bson.M{"_id": resource, "$or": bson.A{
			bson.M{"lock_id": lockID},
			bson.M{"expires_at": bson.M{"$lt": now}},
		}},
		bson.M{"$set": bson.M{"lock_id": lockID, "expires_at": now.Add(ttl)}})
	if err != nil {
		return false, fmt.Errorf("mongo acquire lock: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	_, err = locks.InsertOne(ctx, bson.M{
		"_id":        resource,
		"lock_id":    lockID,
		"expires_at": now.Add(ttl),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongo acquire lock: %w", err)
	}
	return true, nil
}

// ReleaseLock deletes the lock iff the stored id matches.
func (s *Store) ReleaseLock(ctx context.Context, resource, lockID string) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	_, err := s.client.Collection(clientsmongo.CollLocks).
		DeleteOne(ctx, bson.M{"_id": resource, "lock_id": lockID})
	if err != nil {
		return fmt.Errorf("mongo release lock: %w", err)
	}
	return nil
}

// RenewLock extends the lock ttl iff the stored id matches.
func (s *Store) RenewLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	res, err := s.client.Collection(clientsmongo.CollLocks).UpdateOne(ctx,
		bson.M{"_id": resource, "lock_id": lockID},
		bson.M{"$set": bson.M{"expires_at": time.Now().UTC().Add(ttl)}})
	if err != nil {
		return false, fmt.Errorf("mongo renew lock: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// GetExecutionIDByIdempotencyKey returns the claimed execution id, or "".
func (s *Store) GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	var doc struct {
		ExecutionID string `bson:"execution_id"`
	}
	err := s.client.Collection(clientsmongo.CollIdempotency).
		FindOne(ctx, bson.M{"_id": taskID + ":" + key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", fmt.Errorf("mongo get idempotency key: %w", err)
	}
	return doc.ExecutionID, nil
}

// SetExecutionIDByIdempotencyKey claims the mapping first-writer-wins.
func (s *Store) SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	_, err := s.client.Collection(clientsmongo.CollIdempotency).InsertOne(ctx, bson.M{
		"_id":          taskID + ":" + key,
		"execution_id": executionID,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongo claim idempotency key: %w", err)
	}
	return true, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts store.ListOptions) ([]*api.Execution, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = opts.Status
	}
	if opts.TaskID != "" {
		filter["task_id"] = opts.TaskID
	}
	return s.findExecutions(ctx, filter, opts.Limit, opts.Offset)
}

// ListStuckExecutions returns non-terminal executions idle longer than
// olderThan.
func (s *Store) ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*api.Execution, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.findExecutions(ctx, bson.M{
		"status":     bson.M{"$nin": terminalStatuses()},
		"updated_at": bson.M{"$lt": cutoff},
	}, 0, 0)
}

// RetryRollback deletes the rollback step slots of an execution.
func (s *Store) RetryRollback(ctx context.Context, executionID string) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	_, err := s.client.Collection(clientsmongo.CollSteps).DeleteMany(ctx, bson.M{
		"execution_id": executionID,
		"step_id":      bson.M{"$regex": "^" + api.RollbackStepPrefix},
	})
	if err != nil {
		return fmt.Errorf("mongo clear rollback slots: %w", err)
	}
	return nil
}

// SkipStep force-writes an opaque result into a step slot.
func (s *Store) SkipStep(ctx context.Context, executionID, stepID string, value api.Payload) error {
	return s.SaveStepResult(ctx, &api.StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Value:       api.StepValue{Tag: api.StepOpaque, Value: value},
		RecordedAt:  time.Now().UTC(),
	})
}

// ForceFail transitions an execution to failed regardless of state.
func (s *Store) ForceFail(ctx context.Context, executionID, reason string) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	now := time.Now().UTC()
	res, err := s.client.Collection(clientsmongo.CollExecutions).UpdateOne(ctx,
		bson.M{"_id": executionID},
		bson.M{"$set": bson.M{
			"status":       api.ExecutionFailed,
			"error":        api.ErrorInfo{Message: reason},
			"updated_at":   now,
			"completed_at": now,
		}})
	if err != nil {
		return fmt.Errorf("mongo force fail: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// EditStepResult replaces the value of an existing step slot.
func (s *Store) EditStepResult(ctx context.Context, executionID, stepID string, value api.StepValue) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	res, err := s.client.Collection(clientsmongo.CollSteps).UpdateOne(ctx,
		bson.M{"execution_id": executionID, "step_id": stepID},
		bson.M{"$set": bson.M{"value": value, "recorded_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("mongo edit step: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
