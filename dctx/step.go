package dctx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/perdura/durable/api"
)

// stepRetryBase is the base delay for per-step retry backoff. Attempt a waits
// stepRetryBase << a before rerunning the up function.
const stepRetryBase = 100 * time.Millisecond

type (
	// UpFunc is the effectful body of a durable step. It runs at most once per
	// recorded result; its return value is JSON-marshaled into the step slot.
	UpFunc func(ctx context.Context) (any, error)

	// DownFunc compensates a completed step during rollback. It receives the
	// recorded step value.
	DownFunc func(ctx context.Context, value api.Payload) error

	// StepOption customizes a single Step call.
	StepOption func(*stepOptions)

	stepOptions struct {
		timeout time.Duration
		retries int
		down    DownFunc
	}
)

// WithTimeout bounds one invocation of the up function. On expiry the step
// fails with "step <id> timed out"; the abandoned invocation keeps running in
// the background and its result is discarded.
func WithTimeout(d time.Duration) StepOption {
	return func(o *stepOptions) { o.timeout = d }
}

// WithRetries reruns a failed up function up to n extra times with
// exponential backoff before the step fails.
func WithRetries(n int) StepOption {
	return func(o *stepOptions) {
		if n > 0 {
			o.retries = n
		}
	}
}

// WithCompensation registers a rollback function for the step. Compensations
// run LIFO when the attempt fails after this step completed.
func WithCompensation(down DownFunc) StepOption {
	return func(o *stepOptions) { o.down = down }
}

// Step executes (or replays) a durable step. On a cache hit the recorded
// value is returned without running up; on a miss up runs with the configured
// timeout and retry budget and its marshaled result is persisted before
// control returns. Either way the step's compensation, if any, is pushed onto
// the rollback stack.
func (c *Context) Step(ctx context.Context, stepID string, up UpFunc, opts ...StepOption) (api.Payload, error) {
	var o stepOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := c.claimUserStepID(stepID); err != nil {
		return nil, err
	}

	if cached, err := c.loadStep(ctx, stepID); err != nil {
		return nil, err
	} else if cached != nil {
		if cached.Value.Tag != api.StepOpaque {
			return nil, &api.Error{
				Code:        api.CodeStoreShape,
				ExecutionID: c.executionID,
				Message:     fmt.Sprintf("step %s replayed with tag %q, want opaque", stepID, cached.Value.Tag),
			}
		}
		c.pushCompensation(stepID, o.down, cached.Value.Value)
		return cached.Value.Value, nil
	}

	value, err := c.runUp(ctx, stepID, up, o)
	if err != nil {
		return nil, err
	}
	if err := c.saveStep(ctx, stepID, api.StepValue{Tag: api.StepOpaque, Value: value}); err != nil {
		return nil, fmt.Errorf("persist step %s: %w", stepID, err)
	}
	c.audit.Record(ctx, c.executionID, c.attempt, api.AuditStepCompleted, map[string]any{
		"step_id": stepID,
	})
	c.pushCompensation(stepID, o.down, value)
	return value, nil
}

// Step executes a durable step and unmarshals its recorded value into T.
func Step[T any](ctx context.Context, dc *Context, stepID string, up func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var out T
	raw, err := dc.Step(ctx, stepID, func(ctx context.Context) (any, error) {
		return up(ctx)
	}, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &api.Error{
			Code:        api.CodeStoreShape,
			ExecutionID: dc.executionID,
			Message:     fmt.Sprintf("step %s result does not decode: %v", stepID, err),
			Cause:       err,
		}
	}
	return out, nil
}

// runUp drives one step through its retry budget.
func (c *Context) runUp(ctx context.Context, stepID string, up UpFunc, o stepOptions) (api.Payload, error) {
	var lastErr error
	for a := 0; ; a++ {
		value, err := c.invokeUp(ctx, stepID, up, o.timeout)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if a >= o.retries {
			return nil, fmt.Errorf("step %s: %w", stepID, lastErr)
		}
		backoff := stepRetryBase << a
		c.logger.Debug(ctx, "retrying step",
			"execution_id", c.executionID, "step_id", stepID, "backoff", backoff.String(), "err", err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// invokeUp runs up once, racing it against the step timeout. The context is
// passed through unmodified so an expired step is abandoned, not aborted.
func (c *Context) invokeUp(ctx context.Context, stepID string, up UpFunc, timeout time.Duration) (api.Payload, error) {
	type outcome struct {
		value api.Payload
		err   error
	}
	run := func() outcome {
		v, err := up(ctx)
		if err != nil {
			return outcome{err: err}
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return outcome{err: fmt.Errorf("marshal step result: %w", err)}
		}
		return outcome{value: raw}
	}
	if timeout <= 0 {
		out := run()
		return out.value, out.err
	}
	done := make(chan outcome, 1)
	go func() { done <- run() }()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		return nil, fmt.Errorf("step %s timed out", stepID)
	}
}

func (c *Context) pushCompensation(stepID string, down DownFunc, value api.Payload) {
	if down == nil {
		return
	}
	c.comps = append(c.comps, compensation{stepID: stepID, down: down, value: value})
}

// HasCompensations reports whether any completed step registered a rollback.
func (c *Context) HasCompensations() bool {
	return len(c.comps) > 0
}

// RollbackCompensations runs registered compensations in reverse completion
// order. Each compensation is itself durable under "rollback:<stepID>": a
// recorded rollback slot is skipped on replay, so a crashed rollback resumes
// where it stopped. The first compensation error aborts the rollback with a
// compensation-failed error.
func (c *Context) RollbackCompensations(ctx context.Context) error {
	for i := len(c.comps) - 1; i >= 0; i-- {
		comp := c.comps[i]
		rollbackID := api.RollbackStepPrefix + comp.stepID
		if cached, err := c.loadStep(ctx, rollbackID); err != nil {
			return err
		} else if cached != nil {
			continue
		}
		if err := comp.down(ctx, comp.value); err != nil {
			return &api.Error{
				Code:        api.CodeCompensationFailed,
				ExecutionID: c.executionID,
				Attempt:     c.attempt,
				Message:     fmt.Sprintf("compensation failed for step %s: %v", comp.stepID, err),
				Cause:       err,
			}
		}
		if err := c.saveStep(ctx, rollbackID, api.StepValue{Tag: api.StepOpaque}); err != nil {
			return fmt.Errorf("persist rollback %s: %w", rollbackID, err)
		}
		c.audit.Record(ctx, c.executionID, c.attempt, api.AuditStepCompleted, map[string]any{
			"step_id":  rollbackID,
			"rollback": true,
		})
	}
	return nil
}
