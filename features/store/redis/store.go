// Package redis implements the Store on Redis. Rows are JSON values under
// namespaced keys; pending timers are indexed in a sorted set scored by fire
// time; locks and timer claims use SET NX with compare-and-delete scripts so
// an expired holder can never release a successor's lock.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/perdura/durable/api"
	clientsredis "github.com/perdura/durable/features/store/redis/clients/redis"
	"github.com/perdura/durable/store"
)

// Compare-and-mutate scripts. KEYS[1] is the lock or claim key, ARGV[1] the
// holder id, ARGV[2] the ttl in milliseconds where applicable.
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	claimScript = goredis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false or holder == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0`)
)

// Store is the Redis backend.
type Store struct {
	client *clientsredis.Client
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

// New constructs a Redis store over the given client.
func New(client *clientsredis.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{client: client}, nil
}

// Init verifies the connection.
func (s *Store) Init(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Dispose releases the connection when the store owns it.
func (s *Store) Dispose(context.Context) error {
	return s.client.Close()
}

func (s *Store) execKey(id string) string   { return s.client.Key("execution", id) }
func (s *Store) stepsKey(id string) string  { return s.client.Key("steps", id) }
func (s *Store) timerKey(id string) string  { return s.client.Key("timer", id) }
func (s *Store) timerIndex() string         { return s.client.Key("timers") }
func (s *Store) claimKey(id string) string  { return s.client.Key("claim", id) }
func (s *Store) schedKey(id string) string  { return s.client.Key("schedule", id) }
func (s *Store) schedIndex() string         { return s.client.Key("schedules") }
func (s *Store) auditKey(id string) string  { return s.client.Key("audit", id) }
func (s *Store) lockKey(res string) string  { return s.client.Key("lock", res) }
func (s *Store) execIndex() string          { return s.client.Key("executions") }
func (s *Store) incompleteIndex() string    { return s.client.Key("executions", "incomplete") }
func (s *Store) idemKey(t, k string) string { return s.client.Key("idempotency", t, k) }

// SaveExecution persists a new execution row and indexes it.
func (s *Store) SaveExecution(ctx context.Context, exec *api.Execution) error {
	return s.writeExecution(ctx, exec)
}

// GetExecution loads an execution row.
func (s *Store) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	data, err := s.client.R().Get(ctx, s.execKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis get execution: %w", err)
	}
	var exec api.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, &api.Error{Code: api.CodeStoreShape, ExecutionID: id,
			Message: fmt.Sprintf("execution row does not decode: %v", err), Cause: err}
	}
	return &exec, nil
}

// UpdateExecution replaces an existing execution row.
func (s *Store) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	exists, err := s.client.R().Exists(ctx, s.execKey(exec.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists execution: %w", err)
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	return s.writeExecution(ctx, exec)
}

func (s *Store) writeExecution(ctx context.Context, exec *api.Execution) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	pipe := s.client.R().TxPipeline()
	pipe.Set(ctx, s.execKey(exec.ID), data, 0)
	pipe.SAdd(ctx, s.execIndex(), exec.ID)
	if exec.Status.Terminal() {
		pipe.SRem(ctx, s.incompleteIndex(), exec.ID)
	} else {
		pipe.SAdd(ctx, s.incompleteIndex(), exec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis write execution: %w", err)
	}
	return nil
}

// ListIncompleteExecutions returns every non-terminal execution.
func (s *Store) ListIncompleteExecutions(ctx context.Context) ([]*api.Execution, error) {
	ids, err := s.client.R().SMembers(ctx, s.incompleteIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list incomplete: %w", err)
	}
	var out []*api.Execution
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.client.R().SRem(ctx, s.incompleteIndex(), id)
				continue
			}
			return nil, err
		}
		if exec.Status.Terminal() {
			s.client.R().SRem(ctx, s.incompleteIndex(), id)
			continue
		}
		out = append(out, exec)
	}
	sortExecutions(out)
	return out, nil
}

// GetStepResult loads one step slot from the execution's step hash.
func (s *Store) GetStepResult(ctx context.Context, executionID, stepID string) (*api.StepResult, error) {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	data, err := s.client.R().HGet(ctx, s.stepsKey(executionID), stepID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis get step: %w", err)
	}
	var res api.StepResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &api.Error{Code: api.CodeStoreShape, ExecutionID: executionID,
			Message: fmt.Sprintf("step %s does not decode: %v", stepID, err), Cause: err}
	}
	return &res, nil
}

// SaveStepResult creates or replaces a step slot.
func (s *Store) SaveStepResult(ctx context.Context, res *api.StepResult) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	if err := s.client.R().HSet(ctx, s.stepsKey(res.ExecutionID), res.StepID, data).Err(); err != nil {
		return fmt.Errorf("redis save step: %w", err)
	}
	return nil
}

// ListStepResults returns every step slot of an execution ordered by id.
func (s *Store) ListStepResults(ctx context.Context, executionID string) ([]*api.StepResult, error) {
	entries, err := s.client.R().HGetAll(ctx, s.stepsKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list steps: %w", err)
	}
	out := make([]*api.StepResult, 0, len(entries))
	for stepID, data := range entries {
		var res api.StepResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, &api.Error{Code: api.CodeStoreShape, ExecutionID: executionID,
				Message: fmt.Sprintf("step %s does not decode: %v", stepID, err), Cause: err}
		}
		out = append(out, &res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// CreateTimer persists (or replaces) a pending timer and indexes it by fire
// time.
func (s *Store) CreateTimer(ctx context.Context, timer *api.Timer) error {
	ctx, cancel := s.client.Context(ctx)
	defer cancel()
	data, err := json.Marshal(timer)
	if err != nil {
		return fmt.Errorf("marshal timer: %w", err)
	}
	pipe := s.client.R().TxPipeline()
	pipe.Set(ctx, s.timerKey(timer.ID), data, 0)
	pipe.ZAdd(ctx, s.timerIndex(), goredis.Z{
		Score:  float64(timer.FireAt.UnixMilli()),
		Member: timer.ID,
	})
	pipe.Del(ctx, s.claimKey(timer.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create timer: %w", err)
	}
	return nil
}

// GetReadyTimers returns pending timers due at now, ordered by fire time.
func (s *Store) GetReadyTimers(ctx context.Context, now time.Time) ([]*api.Timer, error) {
	ids, err := s.client.R().ZRangeByScore(ctx, s.timerIndex(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ready timers: %w", err)
	}
	var out []*api.Timer
	for _, id := range ids {
		data, err := s.client.R().Get(ctx, s.timerKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				// Row vanished; heal the index.
				s.client.R().ZRem(ctx, s.timerIndex(), id)
				continue
			}
			return nil, fmt.Errorf("redis get timer: %w", err)
		}
		var timer api.Timer
		if err := json.Unmarshal(data, &timer); err != nil {
			return nil, &api.Error{Code: api.CodeStoreShape,
				Message: fmt.Sprintf("timer %s does not decode: %v", id, err), Cause: err}
		}
		if timer.Status != api.TimerPending {
			continue
		}
		out = append(out, &timer)
	}
	return out, nil
}

// MarkTimerFired flips a timer to fired and drops it from the pending index.
func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	data, err := s.client.R().Get(ctx, s.timerKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return store.ErrNotFound
		}
		return fmt.Errorf("redis get timer: %w", err)
	}
	var timer api.Timer
	if err := json.Unmarshal(data, &timer); err != nil {
		return &api.Error{Code: api.CodeStoreShape,
			Message: fmt.Sprintf("timer %s does not decode: %v", id, err), Cause: err}
	}
	timer.Status = api.TimerFired
	updated, err := json.Marshal(&timer)
	if err != nil {
		return fmt.Errorf("marshal timer: %w", err)
	}
	pipe := s.client.R().TxPipeline()
	pipe.Set(ctx, s.timerKey(id), updated, 0)
	pipe.ZRem(ctx, s.timerIndex(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mark timer fired: %w", err)
	}
	return nil
}

// DeleteTimer removes a timer row, its index entry, and its claim.
func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	pipe := s.client.R().TxPipeline()
	pipe.Del(ctx, s.timerKey(id), s.claimKey(id))
	pipe.ZRem(ctx, s.timerIndex(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete timer: %w", err)
	}
	return nil
}

// ClaimTimer leases a timer via SET NX semantics; re-claiming by the same
// worker extends the lease.
func (s *Store) ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	n, err := claimScript.Run(ctx, s.client.R(),
		[]string{s.claimKey(id)}, workerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis claim timer: %w", err)
	}
	return n == 1, nil
}

// CreateSchedule persists a schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sched *api.Schedule) error {
	return s.writeSchedule(ctx, sched)
}

// GetSchedule loads a schedule row.
func (s *Store) GetSchedule(ctx context.Context, id string) (*api.Schedule, error) {
	data, err := s.client.R().Get(ctx, s.schedKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis get schedule: %w", err)
	}
	var sched api.Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, &api.Error{Code: api.CodeStoreShape,
			Message: fmt.Sprintf("schedule %s does not decode: %v", id, err), Cause: err}
	}
	return &sched, nil
}

// UpdateSchedule replaces a schedule row.
func (s *Store) UpdateSchedule(ctx context.Context, sched *api.Schedule) error {
	exists, err := s.client.R().Exists(ctx, s.schedKey(sched.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists schedule: %w", err)
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	return s.writeSchedule(ctx, sched)
}

func (s *Store) writeSchedule(ctx context.Context, sched *api.Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	pipe := s.client.R().TxPipeline()
	pipe.Set(ctx, s.schedKey(sched.ID), data, 0)
	pipe.SAdd(ctx, s.schedIndex(), sched.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis write schedule: %w", err)
	}
	return nil
}

// DeleteSchedule removes a schedule row.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	n, err := s.client.R().Del(ctx, s.schedKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis delete schedule: %w", err)
	}
	s.client.R().SRem(ctx, s.schedIndex(), id)
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSchedules returns every schedule row.
func (s *Store) ListSchedules(ctx context.Context) ([]*api.Schedule, error) {
	return s.listSchedules(ctx, false)
}

// ListActiveSchedules returns schedules with status active.
func (s *Store) ListActiveSchedules(ctx context.Context) ([]*api.Schedule, error) {
	return s.listSchedules(ctx, true)
}

func (s *Store) listSchedules(ctx context.Context, activeOnly bool) ([]*api.Schedule, error) {
	ids, err := s.client.R().SMembers(ctx, s.schedIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list schedules: %w", err)
	}
	var out []*api.Schedule
	for _, id := range ids {
		sched, err := s.GetSchedule(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.client.R().SRem(ctx, s.schedIndex(), id)
				continue
			}
			return nil, err
		}
		if activeOnly && sched.Status != api.ScheduleActive {
			continue
		}
		out = append(out, sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendAuditEntry appends one audit entry to the execution's trail.
func (s *Store) AppendAuditEntry(ctx context.Context, entry *api.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := s.client.R().RPush(ctx, s.auditKey(entry.ExecutionID), data).Err(); err != nil {
		return fmt.Errorf("redis append audit: %w", err)
	}
	return nil
}

// ListAuditEntries returns the execution's trail ordered by entry id.
func (s *Store) ListAuditEntries(ctx context.Context, executionID string) ([]*api.AuditEntry, error) {
	rows, err := s.client.R().LRange(ctx, s.auditKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list audit: %w", err)
	}
	out := make([]*api.AuditEntry, 0, len(rows))
	for _, row := range rows {
		var entry api.AuditEntry
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			return nil, &api.Error{Code: api.CodeStoreShape, ExecutionID: executionID,
				Message: fmt.Sprintf("audit entry does not decode: %v", err), Cause: err}
		}
		out = append(out, &entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AcquireLock takes the named lock with SET NX PX.
func (s *Store) AcquireLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.R().SetNX(ctx, s.lockKey(resource), lockID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock deletes the lock iff the stored id matches.
func (s *Store) ReleaseLock(ctx context.Context, resource, lockID string) error {
	if err := releaseScript.Run(ctx, s.client.R(), []string{s.lockKey(resource)}, lockID).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis release lock: %w", err)
	}
	return nil
}

// RenewLock extends the lock ttl iff the stored id matches.
func (s *Store) RenewLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client.R(),
		[]string{s.lockKey(resource)}, lockID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis renew lock: %w", err)
	}
	return n == 1, nil
}

// GetExecutionIDByIdempotencyKey returns the claimed execution id, or "".
func (s *Store) GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error) {
	id, err := s.client.R().Get(ctx, s.idemKey(taskID, key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis get idempotency key: %w", err)
	}
	return id, nil
}

// SetExecutionIDByIdempotencyKey claims the mapping first-writer-wins.
func (s *Store) SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error) {
	ok, err := s.client.R().SetNX(ctx, s.idemKey(taskID, key), executionID, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim idempotency key: %w", err)
	}
	return ok, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts store.ListOptions) ([]*api.Execution, error) {
	ids, err := s.client.R().SMembers(ctx, s.execIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list executions: %w", err)
	}
	var out []*api.Execution
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if opts.Status != "" && exec.Status != opts.Status {
			continue
		}
		if opts.TaskID != "" && exec.TaskID != opts.TaskID {
			continue
		}
		out = append(out, exec)
	}
	sortExecutions(out)
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListStuckExecutions returns non-terminal executions idle longer than
// olderThan.
func (s *Store) ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*api.Execution, error) {
	incomplete, err := s.ListIncompleteExecutions(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)
	var out []*api.Execution
	for _, exec := range incomplete {
		if exec.UpdatedAt.Before(cutoff) {
			out = append(out, exec)
		}
	}
	return out, nil
}

// RetryRollback deletes the rollback step slots of an execution.
func (s *Store) RetryRollback(ctx context.Context, executionID string) error {
	fields, err := s.client.R().HKeys(ctx, s.stepsKey(executionID)).Result()
	if err != nil {
		return fmt.Errorf("redis list step ids: %w", err)
	}
	var rollback []string
	for _, field := range fields {
		if strings.HasPrefix(field, api.RollbackStepPrefix) {
			rollback = append(rollback, field)
		}
	}
	if len(rollback) == 0 {
		return nil
	}
	if err := s.client.R().HDel(ctx, s.stepsKey(executionID), rollback...).Err(); err != nil {
		return fmt.Errorf("redis clear rollback slots: %w", err)
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
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.Status = api.ExecutionFailed
	exec.Error = &api.ErrorInfo{Message: reason}
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	return s.writeExecution(ctx, exec)
}

// EditStepResult replaces the value of an existing step slot.
func (s *Store) EditStepResult(ctx context.Context, executionID, stepID string, value api.StepValue) error {
	res, err := s.GetStepResult(ctx, executionID, stepID)
	if err != nil {
		return err
	}
	res.Value = value
	res.RecordedAt = time.Now().UTC()
	return s.SaveStepResult(ctx, res)
}

func sortExecutions(execs []*api.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})
}
