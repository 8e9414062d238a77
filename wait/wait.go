// Package wait blocks callers until an execution reaches a terminal state.
// The waiter subscribes to the execution's bus channel for low latency and
// polls the Store as the source of truth, so it converges even when the bus
// drops the finish notification.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/eventbus"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

// DefaultPollInterval is the store poll cadence while waiting.
const DefaultPollInterval = time.Second

type (
	// Options configures the Waiter.
	Options struct {
		Store store.Store
		// Bus is optional; without it the waiter relies on polling alone.
		Bus eventbus.EventBus
		// PollInterval overrides the store poll cadence.
		PollInterval time.Duration
		Logger       telemetry.Logger
	}

	// Waiter resolves execution results for synchronous callers.
	Waiter struct {
		store  store.Store
		bus    eventbus.EventBus
		poll   time.Duration
		logger telemetry.Logger
	}
)

// New constructs a Waiter.
func New(opts Options) *Waiter {
	w := &Waiter{
		store:  opts.Store,
		bus:    opts.Bus,
		poll:   opts.PollInterval,
		logger: opts.Logger,
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.logger == nil {
		w.logger = telemetry.NewNoopLogger()
	}
	return w
}

// WaitForResult blocks until the execution finishes, timeout elapses, or ctx
// is done. A terminal execution resolves immediately. Failure states map to
// coded errors carrying the task id and final attempt.
func (w *Waiter) WaitForResult(ctx context.Context, executionID string, timeout time.Duration) (api.Payload, error) {
	// Subscribe before the first read so a finish between read and subscribe
	// cannot be missed.
	notify := make(chan struct{}, 1)
	if w.bus != nil {
		sub, err := w.bus.Subscribe(ctx, eventbus.ExecutionChannel(executionID), func(ctx context.Context, event eventbus.Event) {
			select {
			case notify <- struct{}{}:
			default:
			}
		})
		if err != nil {
			w.logger.Warn(ctx, "subscribe failed, falling back to polling",
				"execution_id", executionID, "err", err.Error())
		} else {
			defer func() {
				if err := sub.Close(context.WithoutCancel(ctx)); err != nil {
					w.logger.Debug(ctx, "unsubscribe failed", "execution_id", executionID, "err", err.Error())
				}
			}()
		}
	}

	if result, done, err := w.resolve(ctx, executionID); done {
		return result, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, w.timeoutError(ctx, executionID, timeout)
		case <-notify:
		case <-ticker.C:
		}
		if result, done, err := w.resolve(ctx, executionID); done {
			return result, err
		}
	}
}

// timeoutError reads the row one last time so the error reports which task
// and attempt the caller gave up on. A vanished row reports "unknown".
func (w *Waiter) timeoutError(ctx context.Context, executionID string, timeout time.Duration) error {
	taskID, attempt := "unknown", 0
	if exec, err := w.store.GetExecution(context.WithoutCancel(ctx), executionID); err == nil {
		taskID, attempt = exec.TaskID, exec.Attempt
	}
	return &api.Error{
		Code:        api.CodeWaitTimeout,
		ExecutionID: executionID,
		TaskID:      taskID,
		Attempt:     attempt,
		Message:     fmt.Sprintf("timed out after %s waiting for execution %s", timeout, executionID),
	}
}

// resolve reads the execution and maps a terminal status to its outcome.
// done is false while the execution is still in flight.
func (w *Waiter) resolve(ctx context.Context, executionID string) (api.Payload, bool, error) {
	exec, err := w.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, true, &api.Error{
				Code:        api.CodeExecutionNotFound,
				ExecutionID: executionID,
				Message:     fmt.Sprintf("execution %s not found", executionID),
			}
		}
		return nil, true, fmt.Errorf("load execution %s: %w", executionID, err)
	}

	switch exec.Status {
	case api.ExecutionCompleted:
		if len(exec.Result) == 0 {
			return nil, true, &api.Error{
				Code:        api.CodeCompletedWithoutResult,
				ExecutionID: executionID,
				TaskID:      exec.TaskID,
				Attempt:     exec.Attempt,
				Message:     fmt.Sprintf("execution %s completed without a result", executionID),
			}
		}
		return exec.Result, true, nil
	case api.ExecutionFailed:
		return nil, true, terminalError(exec, api.CodeExecutionFailed, "execution failed")
	case api.ExecutionCompensationFailed:
		return nil, true, terminalError(exec, api.CodeCompensationFailed, "compensation failed")
	case api.ExecutionCancelled:
		return nil, true, terminalError(exec, api.CodeExecutionCancelled, "execution cancelled")
	default:
		return nil, false, nil
	}
}

func terminalError(exec *api.Execution, code api.ErrorCode, fallback string) error {
	msg := fallback
	if exec.Error != nil && exec.Error.Message != "" {
		msg = exec.Error.Message
	}
	return &api.Error{
		Code:        code,
		ExecutionID: exec.ID,
		TaskID:      exec.TaskID,
		Attempt:     exec.Attempt,
		Message:     msg,
	}
}
