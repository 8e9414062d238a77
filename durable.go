// Package durable is a durable task execution engine: workflows run as
// replayable functions whose step results, sleeps, signal waits, and branch
// decisions are persisted, so a crashed or retried attempt fast-forwards
// through recorded history instead of redoing side effects. The Service wires
// the managers together over pluggable Store, Queue, and EventBus backends
// and exposes the full lifecycle: start, wait, signal, cancel, schedule, and
// operator repairs.
package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/audit"
	"github.com/perdura/durable/dctx"
	"github.com/perdura/durable/eventbus"
	"github.com/perdura/durable/execution"
	"github.com/perdura/durable/operator"
	"github.com/perdura/durable/polling"
	"github.com/perdura/durable/queue"
	"github.com/perdura/durable/registry"
	"github.com/perdura/durable/schedule"
	"github.com/perdura/durable/signals"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
	"github.com/perdura/durable/wait"
)

// Service is the engine façade. Construct with New, register tasks, then
// Start. All methods are safe for concurrent use.
type Service struct {
	store store.Store
	queue queue.Queue
	bus   eventbus.EventBus

	logger  telemetry.Logger
	metrics telemetry.Metrics

	registry   *registry.Registry
	audit      *audit.Logger
	executions *execution.Manager
	signals    *signals.Handler
	schedules  *schedule.Manager
	waiter     *wait.Waiter
	poller     *polling.Manager
	operator   *operator.Operator

	pollingDisabled bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a Service from options. A store is required; queue and event bus
// are optional (without a queue, attempts run on in-process goroutines).
func New(opts ...Option) (*Service, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		return nil, errors.New("durable: a store is required")
	}

	s := &Service{
		store:           o.store,
		queue:           o.queue,
		bus:             o.bus,
		logger:          o.logger,
		metrics:         o.metrics,
		pollingDisabled: o.pollingDisabled,
	}
	s.registry = registry.New(o.resolver)
	s.audit = audit.New(audit.Options{
		Store:   o.store,
		Enabled: o.auditEnabled,
		Emitter: o.auditEmitter,
		Logger:  o.logger,
		Metrics: o.metrics,
	})
	s.executions = execution.New(execution.Options{
		Store:                o.store,
		Registry:             s.registry,
		Audit:                s.audit,
		Queue:                o.queue,
		Bus:                  o.bus,
		Logger:               o.logger,
		Metrics:              o.metrics,
		Executor:             o.executor,
		MaxAttempts:          o.maxAttempts,
		ExecutionTimeout:     o.executionTimeout,
		KickoffFailsafeDelay: o.kickoffFailsafeDelay,
		ImplicitIDs:          o.implicitIDs,
	})
	s.signals = signals.New(signals.Options{
		Store:   o.store,
		Audit:   s.audit,
		Resumer: s.executions,
		Logger:  o.logger,
	})
	s.schedules = schedule.New(schedule.Options{
		Store:  o.store,
		Logger: o.logger,
	})
	s.waiter = wait.New(wait.Options{
		Store:        o.store,
		Bus:          o.bus,
		PollInterval: o.waitPollInterval,
		Logger:       o.logger,
	})
	s.poller = polling.New(polling.Options{
		Store:      o.store,
		Executions: s.executions,
		Schedules:  s.schedules,
		Audit:      s.audit,
		Logger:     o.logger,
		Metrics:    o.metrics,
		Interval:   o.pollingInterval,
		ClaimTTL:   o.claimTTL,
	})
	s.operator = operator.New(operator.Options{
		Store:      o.store,
		Executions: s.executions,
		Logger:     o.logger,
	})
	return s, nil
}

// Register binds a workflow function to a task id. Tasks may be registered
// before or after Start; re-registering an id replaces the handler.
func (s *Service) Register(taskID string, handler dctx.WorkflowFunc) error {
	return s.registry.Register(&registry.Task{ID: taskID, Handler: handler})
}

// Start initializes the backends, recovers stranded executions, and launches
// the consumer and polling loops. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	for _, backend := range []any{s.store, s.queue, s.bus} {
		if lc, ok := backend.(store.Lifecycle); ok {
			if err := lc.Init(ctx); err != nil {
				return fmt.Errorf("init backend %T: %w", backend, err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.queue != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.queue.Consume(runCtx, s.executions.HandleMessage); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error(runCtx, "queue consumer stopped", "err", err.Error())
			}
		}()
	}
	if !s.pollingDisabled {
		s.poller.Start(runCtx)
	}
	if err := s.executions.Recover(ctx); err != nil {
		s.logger.Warn(ctx, "recovery failed", "err", err.Error())
	}

	s.started = true
	s.logger.Info(ctx, "durable engine started",
		"queue_mode", s.queue != nil, "polling", !s.pollingDisabled)
	return nil
}

// Stop halts the loops, flushes the audit emitter, and disposes the backends.
// Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if !s.pollingDisabled {
		s.poller.Stop()
	}
	s.cancel()
	s.wg.Wait()
	s.audit.Close()

	var errs []error
	for _, backend := range []any{s.bus, s.queue, s.store} {
		if lc, ok := backend.(store.Lifecycle); ok {
			if err := lc.Dispose(ctx); err != nil {
				errs = append(errs, fmt.Errorf("dispose backend %T: %w", backend, err))
			}
		}
	}
	s.started = false
	s.logger.Info(ctx, "durable engine stopped")
	return errors.Join(errs...)
}

// StartExecution persists and dispatches a new execution, returning its id
// immediately.
func (s *Service) StartExecution(ctx context.Context, taskID string, input api.Payload, opts execution.StartOptions) (string, error) {
	return s.executions.Start(ctx, taskID, input, opts)
}

// Execute starts an execution and blocks for its result. An execution that
// completes without a result yields (nil, nil); use ExecuteStrict to treat
// that as an error.
func (s *Service) Execute(ctx context.Context, taskID string, input api.Payload, opts execution.StartOptions) (api.Payload, error) {
	result, err := s.ExecuteStrict(ctx, taskID, input, opts)
	if api.IsCode(err, api.CodeCompletedWithoutResult) {
		return nil, nil
	}
	return result, err
}

// ExecuteStrict starts an execution and blocks for its result, propagating
// every coded failure including completion without a result.
func (s *Service) ExecuteStrict(ctx context.Context, taskID string, input api.Payload, opts execution.StartOptions) (api.Payload, error) {
	id, err := s.executions.Start(ctx, taskID, input, opts)
	if err != nil {
		return nil, err
	}
	return s.waiter.WaitForResult(ctx, id, 0)
}

// Wait blocks until the execution finishes or timeout elapses. A zero
// timeout waits until ctx is done.
func (s *Service) Wait(ctx context.Context, executionID string, timeout time.Duration) (api.Payload, error) {
	return s.waiter.WaitForResult(ctx, executionID, timeout)
}

// GetExecution loads an execution row.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*api.Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &api.Error{
				Code:        api.CodeExecutionNotFound,
				ExecutionID: executionID,
				Message:     fmt.Sprintf("execution %s not found", executionID),
			}
		}
		return nil, err
	}
	return exec, nil
}

// Signal delivers a signal to an execution, resuming it when it is waiting.
func (s *Service) Signal(ctx context.Context, executionID, signalID string, payload api.Payload) error {
	return s.signals.Deliver(ctx, executionID, signalID, payload)
}

// Cancel requests cancellation of an execution. The reason, when non-empty,
// becomes the terminal error message; unknown and already-terminal executions
// are no-ops.
func (s *Service) Cancel(ctx context.Context, executionID, reason string) error {
	return s.executions.Cancel(ctx, executionID, reason)
}

// CreateSchedule registers a recurring or one-off trigger and returns its id.
func (s *Service) CreateSchedule(ctx context.Context, sched *api.Schedule) (string, error) {
	return s.schedules.Create(ctx, sched)
}

// GetSchedule loads a schedule row.
func (s *Service) GetSchedule(ctx context.Context, id string) (*api.Schedule, error) {
	return s.schedules.Get(ctx, id)
}

// ListSchedules returns every schedule row.
func (s *Service) ListSchedules(ctx context.Context) ([]*api.Schedule, error) {
	return s.schedules.List(ctx)
}

// PauseSchedule suspends a schedule without removing it.
func (s *Service) PauseSchedule(ctx context.Context, id string) error {
	return s.schedules.Pause(ctx, id)
}

// ResumeSchedule reactivates a paused schedule.
func (s *Service) ResumeSchedule(ctx context.Context, id string) error {
	return s.schedules.Resume(ctx, id)
}

// UpdateSchedule replaces a schedule's pattern and input.
func (s *Service) UpdateSchedule(ctx context.Context, id, pattern string, input api.Payload) error {
	return s.schedules.Update(ctx, id, pattern, input)
}

// RemoveSchedule deletes a schedule and its pending timer.
func (s *Service) RemoveSchedule(ctx context.Context, id string) error {
	return s.schedules.Remove(ctx, id)
}

// Recover re-dispatches executions stranded by a crash. Start runs it
// automatically; expose it for deployments that disable polling.
func (s *Service) Recover(ctx context.Context) error {
	return s.executions.Recover(ctx)
}

// Operator returns the administrative surface.
func (s *Service) Operator() *operator.Operator {
	return s.operator
}
