// Package execution drives the workflow lifecycle: starting executions,
// running attempts through the durable context, classifying outcomes,
// scheduling retries, and applying cancellation. The Store row is the single
// source of truth; queue messages and timers are hints to re-examine it, so
// duplicate deliveries collapse into no-ops.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/audit"
	"github.com/perdura/durable/dctx"
	"github.com/perdura/durable/eventbus"
	"github.com/perdura/durable/queue"
	"github.com/perdura/durable/registry"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

// Defaults applied when Options leave the knobs zero.
const (
	DefaultMaxAttempts = 3
	// DefaultKickoffFailsafeDelay is how long a pending execution may sit
	// before the polling loop re-dispatches it. Covers lost kickoff messages.
	DefaultKickoffFailsafeDelay = 10 * time.Second
	// retryBackoffBase is multiplied by 2^attempt between failed attempts.
	retryBackoffBase = time.Second
	// executionLockTTL bounds how long one worker owns an attempt.
	executionLockTTL = 30 * time.Second
)

// KickoffTimerID derives the failsafe timer id armed at start.
func KickoffTimerID(executionID string) string {
	return "kickoff:" + executionID
}

// RetryTimerID derives the retry timer id for a failed attempt.
func RetryTimerID(executionID string, attempt int) string {
	return "retry:" + executionID + ":" + strconv.Itoa(attempt)
}

type (
	// TaskExecutor dispatches an attempt for processing. The default executor
	// runs ProcessExecution on a fresh goroutine; queue mode enqueues instead.
	TaskExecutor interface {
		ExecuteTask(ctx context.Context, executionID string) error
	}

	// Options configures the execution Manager.
	Options struct {
		Store    store.Store
		Registry *registry.Registry
		Audit    *audit.Logger
		// Queue switches dispatch to queue mode when non-nil.
		Queue queue.Queue
		// Bus receives finish notifications and emitted workflow events.
		Bus     eventbus.EventBus
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Executor overrides the dispatch strategy. Defaults to queue dispatch
		// when Queue is set, otherwise to in-process goroutines.
		Executor TaskExecutor

		// MaxAttempts is the default retry budget for new executions.
		MaxAttempts int
		// ExecutionTimeout is the default wall-clock bound for new executions
		// measured from creation. Zero disables the bound.
		ExecutionTimeout time.Duration
		// KickoffFailsafeDelay is the pending-execution re-dispatch delay.
		KickoffFailsafeDelay time.Duration
		// ImplicitIDs is the implicit step id policy handed to every attempt.
		ImplicitIDs dctx.ImplicitIDPolicy
		// Now overrides the clock for tests.
		Now func() time.Time
	}

	// StartOptions customizes a single Start call.
	StartOptions struct {
		// MaxAttempts overrides the manager default when positive.
		MaxAttempts int
		// Timeout overrides the manager default when positive.
		Timeout time.Duration
		// IdempotencyKey deduplicates Start calls per task. Requires a store
		// with idempotency support.
		IdempotencyKey string
	}

	// Manager owns the execution lifecycle.
	Manager struct {
		store    store.Store
		registry *registry.Registry
		audit    *audit.Logger
		queue    queue.Queue
		bus      eventbus.EventBus
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		executor TaskExecutor

		maxAttempts   int
		execTimeout   time.Duration
		failsafeDelay time.Duration
		implicitIDs   dctx.ImplicitIDPolicy
		now           func() time.Time
	}
)

// New constructs an execution Manager.
func New(opts Options) *Manager {
	m := &Manager{
		store:         opts.Store,
		registry:      opts.Registry,
		audit:         opts.Audit,
		queue:         opts.Queue,
		bus:           opts.Bus,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		executor:      opts.Executor,
		maxAttempts:   opts.MaxAttempts,
		execTimeout:   opts.ExecutionTimeout,
		failsafeDelay: opts.KickoffFailsafeDelay,
		implicitIDs:   opts.ImplicitIDs,
		now:           opts.Now,
	}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewNoopMetrics()
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.failsafeDelay <= 0 {
		m.failsafeDelay = DefaultKickoffFailsafeDelay
	}
	if m.executor == nil {
		if m.queue != nil {
			m.executor = &queueExecutor{queue: m.queue}
		} else {
			m.executor = &goExecutor{m: m}
		}
	}
	return m
}

// Start persists a new execution and dispatches its first attempt. With an
// idempotency key, repeated calls for the same (task, key) return the
// original execution id.
func (m *Manager) Start(ctx context.Context, taskID string, input api.Payload, opts StartOptions) (string, error) {
	if taskID == "" {
		return "", errors.New("task id is required")
	}
	if opts.IdempotencyKey != "" {
		return m.startIdempotent(ctx, taskID, input, opts)
	}
	return m.create(ctx, taskID, input, opts)
}

func (m *Manager) startIdempotent(ctx context.Context, taskID string, input api.Payload, opts StartOptions) (string, error) {
	idem, ok := m.store.(store.IdempotencyMap)
	if !ok {
		return "", api.Errorf(api.CodeIdempotencyNotSupported,
			"store %T does not support idempotency keys", m.store)
	}

	// A short lock closes the get/create/set race when the store supports
	// locks; without one the claim map's first-writer-wins still guarantees a
	// single winner, at the cost of an orphaned loser row.
	if locker, lok := m.store.(store.Locker); lok {
		resource := "idempotency:" + taskID + ":" + opts.IdempotencyKey
		lockID := uuid.NewString()
		acquired, err := locker.AcquireLock(ctx, resource, lockID, 5*time.Second)
		if err != nil {
			return "", fmt.Errorf("acquire idempotency lock: %w", err)
		}
		if !acquired {
			return "", api.Errorf(api.CodeIdempotencyLockFailed,
				"idempotency key %q for task %s is being claimed concurrently", opts.IdempotencyKey, taskID)
		}
		defer func() {
			if err := locker.ReleaseLock(context.WithoutCancel(ctx), resource, lockID); err != nil {
				m.logger.Warn(ctx, "release idempotency lock failed", "resource", resource, "err", err.Error())
			}
		}()
	}

	if existing, err := idem.GetExecutionIDByIdempotencyKey(ctx, taskID, opts.IdempotencyKey); err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	} else if existing != "" {
		return existing, nil
	}

	id, err := m.create(ctx, taskID, input, opts)
	if err != nil {
		return "", err
	}
	claimed, err := idem.SetExecutionIDByIdempotencyKey(ctx, taskID, opts.IdempotencyKey, id)
	if err != nil {
		return "", fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		// Lost the race; hand back the winner's execution.
		winner, err := idem.GetExecutionIDByIdempotencyKey(ctx, taskID, opts.IdempotencyKey)
		if err != nil || winner == "" {
			return id, nil
		}
		return winner, nil
	}
	return id, nil
}

func (m *Manager) create(ctx context.Context, taskID string, input api.Payload, opts StartOptions) (string, error) {
	maxAttempts := m.maxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	timeout := m.execTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	now := m.now0().UTC()
	exec := &api.Execution{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Input:       input,
		Status:      api.ExecutionPending,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		Timeout:     timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.SaveExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("persist execution: %w", err)
	}
	m.audit.Record(ctx, exec.ID, 1, api.AuditExecutionStatusChanged, map[string]any{
		"status":  string(api.ExecutionPending),
		"task_id": taskID,
	})
	m.kickoffWithFailsafe(ctx, exec.ID)
	return exec.ID, nil
}

// kickoffWithFailsafe dispatches the first attempt. In queue mode a retry
// timer is armed before enqueueing so a lost kickoff message leaves the
// execution recoverable by the polling loop; the timer is removed once the
// enqueue succeeds. Embedded dispatch stays in process and needs no failsafe.
func (m *Manager) kickoffWithFailsafe(ctx context.Context, executionID string) {
	if m.queue == nil {
		if err := m.executor.ExecuteTask(ctx, executionID); err != nil {
			m.logger.Warn(ctx, "kickoff dispatch failed", "execution_id", executionID, "err", err.Error())
		}
		return
	}
	if err := m.store.CreateTimer(ctx, &api.Timer{
		ID:          KickoffTimerID(executionID),
		Type:        api.TimerRetry,
		FireAt:      m.now0().UTC().Add(m.failsafeDelay),
		Status:      api.TimerPending,
		ExecutionID: executionID,
	}); err != nil {
		m.logger.Warn(ctx, "arm kickoff failsafe failed", "execution_id", executionID, "err", err.Error())
	}
	if err := m.executor.ExecuteTask(ctx, executionID); err != nil {
		// The failsafe timer re-dispatches; kickoff loss is not fatal.
		m.logger.Warn(ctx, "kickoff dispatch failed", "execution_id", executionID, "err", err.Error())
		return
	}
	if err := m.store.DeleteTimer(ctx, KickoffTimerID(executionID)); err != nil {
		m.logger.Debug(ctx, "delete kickoff failsafe failed", "execution_id", executionID, "err", err.Error())
	}
}

// Resume dispatches the next attempt of an existing execution. Signal
// delivery and the polling loop both funnel through here.
func (m *Manager) Resume(ctx context.Context, executionID string) error {
	return m.executor.ExecuteTask(ctx, executionID)
}

// StartScheduled starts an execution on behalf of a fired schedule.
func (m *Manager) StartScheduled(ctx context.Context, taskID string, input api.Payload) (string, error) {
	return m.Start(ctx, taskID, input, StartOptions{})
}

// HandleMessage is the queue consumer entry point.
func (m *Manager) HandleMessage(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case queue.MessageExecute, queue.MessageResume:
		return m.ProcessExecution(ctx, msg.ExecutionID)
	default:
		m.logger.Warn(ctx, "dropping unknown queue message", "type", string(msg.Type))
		return nil
	}
}

// ProcessExecution runs one attempt of an execution. It is safe to call
// concurrently and repeatedly for the same id: terminal rows are skipped and
// replay makes duplicate attempts converge on the recorded history.
func (m *Manager) ProcessExecution(ctx context.Context, executionID string) error {
	// One worker owns the attempt at a time when the backend supports locks;
	// a denied acquisition means another delivery of the same message is
	// already running it.
	if locker, ok := m.store.(store.Locker); ok {
		resource := "execution:" + executionID
		lockID := uuid.NewString()
		acquired, err := locker.AcquireLock(ctx, resource, lockID, executionLockTTL)
		if err != nil {
			return fmt.Errorf("acquire execution lock %s: %w", resource, err)
		}
		if !acquired {
			return nil
		}
		defer func() {
			if err := locker.ReleaseLock(context.WithoutCancel(ctx), resource, lockID); err != nil {
				m.logger.Warn(ctx, "release execution lock failed", "resource", resource, "err", err.Error())
			}
		}()
	}

	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &api.Error{
				Code:        api.CodeExecutionNotFound,
				ExecutionID: executionID,
				Message:     fmt.Sprintf("execution %s not found", executionID),
			}
		}
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec.Status.Terminal() {
		return nil
	}

	if exec.CancelRequestedAt != nil {
		return m.applyCancel(ctx, exec)
	}
	if exec.Timeout > 0 && m.now0().UTC().After(exec.CreatedAt.Add(exec.Timeout)) {
		return m.finalizeFailure(ctx, exec, api.ExecutionFailed, &api.ErrorInfo{
			Message: fmt.Sprintf("execution timed out after %s", exec.Timeout),
		})
	}

	attempt := exec.Attempt
	if err := m.transition(ctx, exec, api.ExecutionRunning, nil); err != nil {
		return err
	}

	task, err := m.registry.Find(ctx, exec.TaskID)
	if err != nil {
		return m.finalizeFailure(ctx, exec, api.ExecutionFailed, &api.ErrorInfo{
			Message: fmt.Sprintf("task %s not registered", exec.TaskID),
		})
	}

	dc := dctx.New(executionID, attempt, dctx.Options{
		Store:       m.store,
		Audit:       m.audit,
		Logger:      m.logger,
		ImplicitIDs: m.implicitIDs,
		Emitter:     m.publishEmit,
		Now:         m.now,
	})

	started := m.now0()
	result, runErr := m.runAttempt(ctx, task, dc, exec.Input)
	m.metrics.RecordTimer("execution.attempt", m.now0().Sub(started), "task_id", exec.TaskID)

	return m.settle(ctx, exec, dc, result, runErr)
}

// runAttempt invokes the workflow function, converting panics into errors.
func (m *Manager) runAttempt(ctx context.Context, task *registry.Task, dc *dctx.Context, input api.Payload) (result api.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return task.Handler(ctx, dc, input)
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("workflow panicked: %v", e.value)
}

// settle classifies the attempt outcome and applies the matching transition.
func (m *Manager) settle(ctx context.Context, exec *api.Execution, dc *dctx.Context, result api.Payload, runErr error) error {
	if dctx.IsSuspension(runErr) {
		// Re-read so a cancel requested mid-attempt wins over sleeping.
		fresh, err := m.store.GetExecution(ctx, exec.ID)
		if err != nil {
			return fmt.Errorf("reload execution %s: %w", exec.ID, err)
		}
		if fresh.CancelRequestedAt != nil {
			return m.applyCancel(ctx, fresh)
		}
		return m.transition(ctx, fresh, api.ExecutionSleeping, nil)
	}

	if runErr == nil {
		fresh, err := m.store.GetExecution(ctx, exec.ID)
		if err != nil {
			return fmt.Errorf("reload execution %s: %w", exec.ID, err)
		}
		if fresh.CancelRequestedAt != nil {
			return m.applyCancel(ctx, fresh)
		}
		if err := m.finalize(ctx, fresh, api.ExecutionCompleted, func(e *api.Execution) {
			e.Result = result
		}); err != nil {
			return err
		}
		return nil
	}

	// Failed attempt: compensations first, then the retry decision.
	if dc.HasCompensations() {
		if rbErr := dc.RollbackCompensations(ctx); rbErr != nil {
			m.logger.Error(ctx, "rollback failed",
				"execution_id", exec.ID, "attempt", dc.Attempt(), "err", rbErr.Error())
			info := &api.ErrorInfo{Message: rbErr.Error()}
			return m.finalizeFailure(ctx, exec, api.ExecutionCompensationFailed, info)
		}
	}

	info := &api.ErrorInfo{Message: runErr.Error()}
	var pe *panicError
	if errors.As(runErr, &pe) {
		info.Stack = pe.stack
	}
	if nonRetryable(runErr) || dc.Attempt() >= exec.MaxAttempts {
		return m.finalizeFailure(ctx, exec, api.ExecutionFailed, info)
	}

	// Attempt budget remains: arm the retry timer and park the execution.
	backoff := retryBackoffBase << dc.Attempt()
	if err := m.store.CreateTimer(ctx, &api.Timer{
		ID:          RetryTimerID(exec.ID, dc.Attempt()),
		Type:        api.TimerRetry,
		FireAt:      m.now0().UTC().Add(backoff),
		Status:      api.TimerPending,
		ExecutionID: exec.ID,
	}); err != nil {
		return fmt.Errorf("arm retry timer for %s: %w", exec.ID, err)
	}
	m.logger.Info(ctx, "attempt failed, retrying",
		"execution_id", exec.ID, "task_id", exec.TaskID, "attempt", dc.Attempt(),
		"backoff", backoff.String(), "err", runErr.Error())
	return m.transition(ctx, exec, api.ExecutionRetrying, func(e *api.Execution) {
		// The parked row already names the attempt the retry will run.
		e.Attempt = dc.Attempt() + 1
		e.Error = info
	})
}

// nonRetryable reports whether an attempt error must not consume further
// attempts.
func nonRetryable(err error) bool {
	switch api.CodeOf(err) {
	case api.CodeDeterminismViolation, api.CodeStoreShape, api.CodeSignalTimeout:
		return true
	}
	return false
}

// Cancel requests cancellation. Suspended and pending executions transition
// immediately; a running attempt observes the request at its next checkpoint.
// Unknown and already-terminal executions are no-ops.
func (m *Manager) Cancel(ctx context.Context, executionID, reason string) error {
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec.Status.Terminal() {
		return nil
	}
	if exec.CancelRequestedAt == nil {
		now := m.now0().UTC()
		exec.CancelRequestedAt = &now
		exec.CancelReason = reason
		exec.UpdatedAt = now
		if err := m.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("record cancel request for %s: %w", executionID, err)
		}
	}
	switch exec.Status {
	case api.ExecutionPending, api.ExecutionSleeping, api.ExecutionRetrying:
		return m.applyCancel(ctx, exec)
	}
	return nil
}

// applyCancel performs the terminal cancelled transition.
func (m *Manager) applyCancel(ctx context.Context, exec *api.Execution) error {
	now := m.now0().UTC()
	message := exec.CancelReason
	if message == "" {
		message = "Execution cancelled"
	}
	return m.finalize(ctx, exec, api.ExecutionCancelled, func(e *api.Execution) {
		e.CancelledAt = &now
		e.Error = &api.ErrorInfo{Message: message}
	})
}

// Recover re-dispatches executions stranded by a crash: pending rows whose
// kickoff was lost and running rows whose worker died. Sleeping and retrying
// rows are owned by their timers and left alone.
func (m *Manager) Recover(ctx context.Context) error {
	incomplete, err := m.store.ListIncompleteExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list incomplete executions: %w", err)
	}
	var resumed int
	for _, exec := range incomplete {
		switch exec.Status {
		case api.ExecutionPending, api.ExecutionRunning:
			if err := m.Resume(ctx, exec.ID); err != nil {
				m.logger.Warn(ctx, "recovery dispatch failed", "execution_id", exec.ID, "err", err.Error())
				continue
			}
			resumed++
		}
	}
	if resumed > 0 {
		m.logger.Info(ctx, "recovered stranded executions", "count", resumed)
	}
	return nil
}

// transition applies a non-terminal status change through the audit trail.
func (m *Manager) transition(ctx context.Context, exec *api.Execution, status api.ExecutionStatus, mutate func(*api.Execution)) error {
	from := exec.Status
	exec.Status = status
	exec.UpdatedAt = m.now0().UTC()
	if mutate != nil {
		mutate(exec)
	}
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution %s to %s: %w", exec.ID, status, err)
	}
	m.audit.Record(ctx, exec.ID, exec.Attempt, api.AuditExecutionStatusChanged, map[string]any{
		"from":   string(from),
		"status": string(status),
	})
	return nil
}

// finalize applies a terminal transition and publishes the finish event.
func (m *Manager) finalize(ctx context.Context, exec *api.Execution, status api.ExecutionStatus, mutate func(*api.Execution)) error {
	now := m.now0().UTC()
	if err := m.transition(ctx, exec, status, func(e *api.Execution) {
		e.CompletedAt = &now
		if mutate != nil {
			mutate(e)
		}
	}); err != nil {
		return err
	}
	m.publishFinished(ctx, exec)
	m.metrics.IncCounter("execution.finished", 1, "task_id", exec.TaskID, "status", string(status))
	return nil
}

func (m *Manager) finalizeFailure(ctx context.Context, exec *api.Execution, status api.ExecutionStatus, info *api.ErrorInfo) error {
	m.logger.Error(ctx, "execution failed",
		"execution_id", exec.ID, "task_id", exec.TaskID, "status", string(status), "err", info.Message)
	return m.finalize(ctx, exec, status, func(e *api.Execution) {
		e.Error = info
	})
}

// publishFinished notifies waiters. Best-effort: waiters also poll the store.
func (m *Manager) publishFinished(ctx context.Context, exec *api.Execution) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"execution_id": exec.ID,
		"status":       string(exec.Status),
	})
	event := eventbus.Event{
		Type:      eventbus.EventFinished,
		Payload:   payload,
		Timestamp: m.now0().UTC(),
	}
	if err := m.bus.Publish(ctx, eventbus.ExecutionChannel(exec.ID), event); err != nil {
		m.logger.Warn(ctx, "publish finished failed", "execution_id", exec.ID, "err", err.Error())
	}
}

// publishEmit fans workflow-emitted events onto the bus under
// "events:<name>". Wired into every durable context as the Emit publisher.
func (m *Manager) publishEmit(ctx context.Context, event string, payload api.Payload) error {
	if m.bus == nil {
		return nil
	}
	return m.bus.Publish(ctx, "events:"+event, eventbus.Event{
		Type:      event,
		Payload:   payload,
		Timestamp: m.now0().UTC(),
	})
}

func (m *Manager) now0() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

// goExecutor runs attempts on in-process goroutines (embedded mode).
type goExecutor struct {
	m *Manager
}

func (e *goExecutor) ExecuteTask(ctx context.Context, executionID string) error {
	go func() {
		// Detach from the caller so Start returning does not abort the attempt.
		ctx := context.WithoutCancel(ctx)
		if err := e.m.ProcessExecution(ctx, executionID); err != nil {
			e.m.logger.Error(ctx, "process execution failed", "execution_id", executionID, "err", err.Error())
		}
	}()
	return nil
}

// queueExecutor hands attempts to the work queue.
type queueExecutor struct {
	queue queue.Queue
}

func (e *queueExecutor) ExecuteTask(ctx context.Context, executionID string) error {
	return e.queue.Enqueue(ctx, queue.Message{
		Type:        queue.MessageResume,
		ExecutionID: executionID,
	})
}
