// Package polling drives deferred work: it wakes ready timers and routes each
// to its effect (completing a sleep, expiring a signal wait, retrying an
// attempt, or firing a schedule occurrence). Multiple pollers may run against
// one store; timer claims keep them from double-handling a row, and handlers
// re-check persisted state so a stolen race degrades to a no-op.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/audit"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

// Defaults applied when Options leave the knobs zero.
const (
	DefaultInterval = time.Second
	DefaultClaimTTL = 30 * time.Second
)

type (
	// Executions is the execution surface the poller dispatches into.
	Executions interface {
		// Resume runs the next attempt of an execution.
		Resume(ctx context.Context, executionID string) error
		// StartScheduled starts an execution for a fired schedule occurrence.
		StartScheduled(ctx context.Context, taskID string, input api.Payload) (string, error)
	}

	// Schedules advances a recurring schedule after its occurrence fired.
	Schedules interface {
		Advance(ctx context.Context, sched *api.Schedule, firedAt time.Time) error
	}

	// Options configures the polling Manager.
	Options struct {
		Store      store.Store
		Executions Executions
		Schedules  Schedules
		Audit      *audit.Logger
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
		// Interval is the poll cadence.
		Interval time.Duration
		// ClaimTTL leases a timer to this poller while it is handled.
		ClaimTTL time.Duration
		// Now overrides the clock for tests.
		Now func() time.Time
	}

	// Manager is the timer polling loop.
	Manager struct {
		store      store.Store
		executions Executions
		schedules  Schedules
		audit      *audit.Logger
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		interval   time.Duration
		claimTTL   time.Duration
		now        func() time.Time
		workerID   string

		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	}
)

// New constructs a polling Manager.
func New(opts Options) *Manager {
	m := &Manager{
		store:      opts.Store,
		executions: opts.Executions,
		schedules:  opts.Schedules,
		audit:      opts.Audit,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		interval:   opts.Interval,
		claimTTL:   opts.ClaimTTL,
		now:        opts.Now,
		workerID:   uuid.NewString(),
	}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewNoopMetrics()
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.claimTTL <= 0 {
		m.claimTTL = DefaultClaimTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start launches the polling loop. Calling Start on a running manager is a
// no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error(ctx, "poll tick failed", "err", err.Error())
			}
		}
	}
}

// Tick handles every currently ready timer once. Exported so embedded
// deployments and tests can drive the loop manually.
func (m *Manager) Tick(ctx context.Context) error {
	timers, err := m.store.GetReadyTimers(ctx, m.now().UTC())
	if err != nil {
		return fmt.Errorf("list ready timers: %w", err)
	}
	for _, timer := range timers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.handle(ctx, timer)
	}
	return nil
}

// handle routes one timer. A handled timer is deleted; a failed one is marked
// fired so it neither refires nor disappears before an operator can look.
func (m *Manager) handle(ctx context.Context, timer *api.Timer) {
	if claimer, ok := m.store.(store.TimerClaimer); ok {
		claimed, err := claimer.ClaimTimer(ctx, timer.ID, m.workerID, m.claimTTL)
		if err != nil {
			m.logger.Warn(ctx, "claim timer failed", "timer_id", timer.ID, "err", err.Error())
			return
		}
		if !claimed {
			return
		}
	}

	var err error
	switch timer.Type {
	case api.TimerSleep:
		err = m.fireSleep(ctx, timer)
	case api.TimerRetry:
		err = m.fireRetry(ctx, timer)
	case api.TimerSignalTimeout:
		err = m.fireSignalTimeout(ctx, timer)
	case api.TimerScheduled:
		err = m.fireScheduled(ctx, timer)
	default:
		err = fmt.Errorf("unknown timer type %q", timer.Type)
	}

	if err != nil {
		m.logger.Error(ctx, "timer handling failed",
			"timer_id", timer.ID, "type", string(timer.Type), "err", err.Error())
		m.metrics.IncCounter("polling.timer_failed", 1, "type", string(timer.Type))
		if markErr := m.store.MarkTimerFired(ctx, timer.ID); markErr != nil {
			m.logger.Warn(ctx, "mark timer fired failed", "timer_id", timer.ID, "err", markErr.Error())
		}
		return
	}
	m.metrics.IncCounter("polling.timer_fired", 1, "type", string(timer.Type))
	// Recurring schedules re-arm under the same timer id, so fireScheduled
	// owns the row's cleanup; deleting here would kill the next occurrence.
	if timer.Type == api.TimerScheduled && timer.ScheduleID != "" {
		return
	}
	if delErr := m.store.DeleteTimer(ctx, timer.ID); delErr != nil {
		m.logger.Warn(ctx, "delete timer failed", "timer_id", timer.ID, "err", delErr.Error())
	}
}

// fireSleep flips the sleep slot to completed and wakes the execution.
func (m *Manager) fireSleep(ctx context.Context, timer *api.Timer) error {
	res, err := m.store.GetStepResult(ctx, timer.ExecutionID, timer.StepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load sleep slot %s: %w", timer.StepID, err)
	}
	if res.Value.Tag != api.StepSleepScheduled {
		// Already completed or rewritten; nothing to wake.
		return nil
	}
	res.Value = api.StepValue{Tag: api.StepSleepCompleted}
	res.RecordedAt = m.now().UTC()
	if err := m.store.SaveStepResult(ctx, res); err != nil {
		return fmt.Errorf("complete sleep slot %s: %w", timer.StepID, err)
	}
	exec, err := m.store.GetExecution(ctx, timer.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	m.audit.Record(ctx, timer.ExecutionID, exec.Attempt, api.AuditSleepCompleted, map[string]any{
		"step_id": timer.StepID,
	})
	if exec.Status.Terminal() {
		return nil
	}
	return m.executions.Resume(ctx, timer.ExecutionID)
}

// fireRetry re-dispatches an execution (retry backoff or kickoff failsafe).
func (m *Manager) fireRetry(ctx context.Context, timer *api.Timer) error {
	exec, err := m.store.GetExecution(ctx, timer.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	return m.executions.Resume(ctx, timer.ExecutionID)
}

// fireSignalTimeout expires a still-waiting signal slot and wakes the
// execution. A slot completed by a racing delivery wins.
func (m *Manager) fireSignalTimeout(ctx context.Context, timer *api.Timer) error {
	res, err := m.store.GetStepResult(ctx, timer.ExecutionID, timer.StepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load signal slot %s: %w", timer.StepID, err)
	}
	if res.Value.Tag != api.StepSignalWaiting {
		return nil
	}
	signalID := res.Value.SignalID
	res.Value = api.StepValue{Tag: api.StepSignalTimedOut, SignalID: signalID}
	res.RecordedAt = m.now().UTC()
	if err := m.store.SaveStepResult(ctx, res); err != nil {
		return fmt.Errorf("expire signal slot %s: %w", timer.StepID, err)
	}
	exec, err := m.store.GetExecution(ctx, timer.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	m.audit.Record(ctx, timer.ExecutionID, exec.Attempt, api.AuditSignalTimedOut, map[string]any{
		"signal_id": signalID,
		"step_id":   timer.StepID,
	})
	if exec.Status.Terminal() {
		return nil
	}
	return m.executions.Resume(ctx, timer.ExecutionID)
}

// fireScheduled starts the occurrence's execution. One-off timers carry no
// schedule id; recurring ones are validated against their Schedule row and
// advanced afterwards.
func (m *Manager) fireScheduled(ctx context.Context, timer *api.Timer) error {
	firedAt := m.now().UTC()
	if timer.ScheduleID == "" {
		_, err := m.executions.StartScheduled(ctx, timer.TaskID, timer.Input)
		return err
	}
	sched, err := m.store.GetSchedule(ctx, timer.ScheduleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Info(ctx, "dropping timer for removed schedule", "schedule_id", timer.ScheduleID)
			return m.store.DeleteTimer(ctx, timer.ID)
		}
		return fmt.Errorf("load schedule %s: %w", timer.ScheduleID, err)
	}
	if sched.Status != api.ScheduleActive {
		// Resume re-arms the timer; keeping this one would refire while paused.
		return m.store.DeleteTimer(ctx, timer.ID)
	}
	if _, err := m.executions.StartScheduled(ctx, sched.TaskID, sched.Input); err != nil {
		return fmt.Errorf("start scheduled execution for %s: %w", sched.ID, err)
	}
	if m.schedules == nil {
		return m.store.DeleteTimer(ctx, timer.ID)
	}
	// Advance replaces the pending row with the next occurrence. A crash
	// before it leaves the old row pending, so the occurrence refires rather
	// than the schedule stalling.
	return m.schedules.Advance(ctx, sched, firedAt)
}
