// Package inmem provides the in-memory Store used for embedded deployments
// and tests. It implements every optional capability, so it doubles as the
// reference behavior for persistent backends. State is process-local; rows
// are copied on the way in and out so callers cannot alias internal state.
package inmem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/store"
)

type (
	// Store is the in-memory backend.
	Store struct {
		mu         sync.RWMutex
		executions map[string]*api.Execution
		steps      map[string]map[string]*api.StepResult
		timers     map[string]*api.Timer
		claims     map[string]claim
		schedules  map[string]*api.Schedule
		audits     map[string][]*api.AuditEntry
		locks      map[string]lock
		idem       map[string]string
	}

	claim struct {
		workerID string
		expires  time.Time
	}

	lock struct {
		id      string
		expires time.Time
	}
)

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		executions: make(map[string]*api.Execution),
		steps:      make(map[string]map[string]*api.StepResult),
		timers:     make(map[string]*api.Timer),
		claims:     make(map[string]claim),
		schedules:  make(map[string]*api.Schedule),
		audits:     make(map[string][]*api.AuditEntry),
		locks:      make(map[string]lock),
		idem:       make(map[string]string),
	}
}

var (
	_ store.Store           = (*Store)(nil)
	_ store.AuditSink       = (*Store)(nil)
	_ store.StepLister      = (*Store)(nil)
	_ store.TimerClaimer    = (*Store)(nil)
	_ store.Locker          = (*Store)(nil)
	_ store.IdempotencyMap  = (*Store)(nil)
	_ store.ExecutionLister = (*Store)(nil)
	_ store.StuckLister     = (*Store)(nil)
	_ store.OperatorEditor  = (*Store)(nil)
)

// SaveExecution persists a new execution row.
func (s *Store) SaveExecution(_ context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// GetExecution loads an execution row.
func (s *Store) GetExecution(_ context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneExecution(exec), nil
}

// UpdateExecution replaces an existing execution row.
func (s *Store) UpdateExecution(_ context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return store.ErrNotFound
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// ListIncompleteExecutions returns every non-terminal execution.
func (s *Store) ListIncompleteExecutions(_ context.Context) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.Execution
	for _, exec := range s.executions {
		if !exec.Status.Terminal() {
			out = append(out, cloneExecution(exec))
		}
	}
	sortExecutions(out)
	return out, nil
}

// GetStepResult loads one step slot.
func (s *Store) GetStepResult(_ context.Context, executionID, stepID string) (*api.StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.steps[executionID][stepID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

// SaveStepResult creates or replaces a step slot.
func (s *Store) SaveStepResult(_ context.Context, res *api.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.steps[res.ExecutionID]
	if !ok {
		byStep = make(map[string]*api.StepResult)
		s.steps[res.ExecutionID] = byStep
	}
	cp := *res
	byStep[res.StepID] = &cp
	return nil
}

// ListStepResults returns every step slot of an execution ordered by id.
func (s *Store) ListStepResults(_ context.Context, executionID string) ([]*api.StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.StepResult
	for _, res := range s.steps[executionID] {
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// CreateTimer persists (or replaces) a pending timer row.
func (s *Store) CreateTimer(_ context.Context, timer *api.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *timer
	s.timers[timer.ID] = &cp
	delete(s.claims, timer.ID)
	return nil
}

// GetReadyTimers returns pending timers due at now, ordered by fire time.
func (s *Store) GetReadyTimers(_ context.Context, now time.Time) ([]*api.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.Timer
	for _, timer := range s.timers {
		if timer.Status == api.TimerPending && !timer.FireAt.After(now) {
			cp := *timer
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out, nil
}

// MarkTimerFired flips a timer to fired.
func (s *Store) MarkTimerFired(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.timers[id]
	if !ok {
		return store.ErrNotFound
	}
	timer.Status = api.TimerFired
	return nil
}

// DeleteTimer removes a timer row and its claim.
func (s *Store) DeleteTimer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	delete(s.claims, id)
	return nil
}

// ClaimTimer leases a timer to one worker for ttl.
func (s *Store) ClaimTimer(_ context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; !ok {
		return false, nil
	}
	now := time.Now()
	if c, ok := s.claims[id]; ok && c.workerID != workerID && now.Before(c.expires) {
		return false, nil
	}
	s.claims[id] = claim{workerID: workerID, expires: now.Add(ttl)}
	return true, nil
}

// CreateSchedule persists a schedule row.
func (s *Store) CreateSchedule(_ context.Context, sched *api.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = cloneSchedule(sched)
	return nil
}

// GetSchedule loads a schedule row.
func (s *Store) GetSchedule(_ context.Context, id string) (*api.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSchedule(sched), nil
}

// UpdateSchedule replaces a schedule row.
func (s *Store) UpdateSchedule(_ context.Context, sched *api.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; !ok {
		return store.ErrNotFound
	}
	s.schedules[sched.ID] = cloneSchedule(sched)
	return nil
}

// DeleteSchedule removes a schedule row.
func (s *Store) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

// ListSchedules returns every schedule row.
func (s *Store) ListSchedules(_ context.Context) ([]*api.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*api.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, cloneSchedule(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActiveSchedules returns schedules with status active.
func (s *Store) ListActiveSchedules(_ context.Context) ([]*api.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.Schedule
	for _, sched := range s.schedules {
		if sched.Status == api.ScheduleActive {
			out = append(out, cloneSchedule(sched))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendAuditEntry persists one audit entry.
func (s *Store) AppendAuditEntry(_ context.Context, entry *api.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audits[entry.ExecutionID] = append(s.audits[entry.ExecutionID], &cp)
	return nil
}

// ListAuditEntries returns an execution's audit trail ordered by entry id.
func (s *Store) ListAuditEntries(_ context.Context, executionID string) ([]*api.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audits[executionID]
	out := make([]*api.AuditEntry, 0, len(entries))
	for _, entry := range entries {
		cp := *entry
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AcquireLock takes the named lock unless a live holder owns it.
func (s *Store) AcquireLock(_ context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, ok := s.locks[resource]; ok && l.id != lockID && now.Before(l.expires) {
		return false, nil
	}
	s.locks[resource] = lock{id: lockID, expires: now.Add(ttl)}
	return true, nil
}

// ReleaseLock deletes the lock iff the stored id matches.
func (s *Store) ReleaseLock(_ context.Context, resource, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[resource]; ok && l.id == lockID {
		delete(s.locks, resource)
	}
	return nil
}

// RenewLock extends the lock ttl iff the stored id matches.
func (s *Store) RenewLock(_ context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[resource]
	if !ok || l.id != lockID {
		return false, nil
	}
	l.expires = time.Now().Add(ttl)
	s.locks[resource] = l
	return true, nil
}

// GetExecutionIDByIdempotencyKey returns the claimed execution id, or "".
func (s *Store) GetExecutionIDByIdempotencyKey(_ context.Context, taskID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idem[taskID+"\x00"+key], nil
}

// SetExecutionIDByIdempotencyKey claims the mapping first-writer-wins.
func (s *Store) SetExecutionIDByIdempotencyKey(_ context.Context, taskID, key, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapKey := taskID + "\x00" + key
	if _, ok := s.idem[mapKey]; ok {
		return false, nil
	}
	s.idem[mapKey] = executionID
	return true, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(_ context.Context, opts store.ListOptions) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*api.Execution
	for _, exec := range s.executions {
		if opts.Status != "" && exec.Status != opts.Status {
			continue
		}
		if opts.TaskID != "" && exec.TaskID != opts.TaskID {
			continue
		}
		out = append(out, cloneExecution(exec))
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
func (s *Store) ListStuckExecutions(_ context.Context, olderThan time.Duration) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*api.Execution
	for _, exec := range s.executions {
		if !exec.Status.Terminal() && exec.UpdatedAt.Before(cutoff) {
			out = append(out, cloneExecution(exec))
		}
	}
	sortExecutions(out)
	return out, nil
}

// RetryRollback deletes the rollback step slots of an execution.
func (s *Store) RetryRollback(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for stepID := range s.steps[executionID] {
		if strings.HasPrefix(stepID, api.RollbackStepPrefix) {
			delete(s.steps[executionID], stepID)
		}
	}
	return nil
}

// SkipStep force-writes an opaque result into a step slot.
func (s *Store) SkipStep(_ context.Context, executionID, stepID string, value api.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.steps[executionID]
	if !ok {
		byStep = make(map[string]*api.StepResult)
		s.steps[executionID] = byStep
	}
	byStep[stepID] = &api.StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Value:       api.StepValue{Tag: api.StepOpaque, Value: value},
		RecordedAt:  time.Now().UTC(),
	}
	return nil
}

// ForceFail transitions an execution to failed regardless of state.
func (s *Store) ForceFail(_ context.Context, executionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	exec.Status = api.ExecutionFailed
	exec.Error = &api.ErrorInfo{Message: reason}
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	return nil
}

// EditStepResult replaces the value of an existing step slot.
func (s *Store) EditStepResult(_ context.Context, executionID, stepID string, value api.StepValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.steps[executionID][stepID]
	if !ok {
		return store.ErrNotFound
	}
	res.Value = value
	res.RecordedAt = time.Now().UTC()
	return nil
}

func cloneExecution(exec *api.Execution) *api.Execution {
	cp := *exec
	return &cp
}

func cloneSchedule(sched *api.Schedule) *api.Schedule {
	cp := *sched
	return &cp
}

func sortExecutions(execs []*api.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})
}
