package dctx

import (
	"context"
	"fmt"
	"time"

	"github.com/perdura/durable/api"
)

// SleepOption customizes a Sleep call.
type SleepOption func(*sleepOptions)

type sleepOptions struct {
	stepID string
}

// WithSleepStepID pins the sleep to a stable slot id instead of the implicit
// call counter. The id is namespaced under "__sleep:".
func WithSleepStepID(id string) SleepOption {
	return func(o *sleepOptions) { o.stepID = id }
}

// SleepTimerID derives the deterministic timer id for a sleep slot, so a
// replayed attempt re-arms the same row instead of stacking timers.
func SleepTimerID(executionID, stepID string) string {
	return "sleep:" + executionID + ":" + stepID
}

// Sleep suspends the execution for at least d. The first encounter persists a
// sleep_scheduled slot plus a pending timer and suspends the attempt; once the
// polling loop marks the slot sleep_completed, replay passes through without
// waiting.
func (c *Context) Sleep(ctx context.Context, d time.Duration, opts ...SleepOption) error {
	var o sleepOptions
	for _, opt := range opts {
		opt(&o)
	}
	var stepID string
	if o.stepID != "" {
		stepID = api.SleepStepPrefix + o.stepID
	} else {
		stepID = fmt.Sprintf("%s%d", api.SleepStepPrefix, c.sleepSeq)
		c.sleepSeq++
		if err := c.checkImplicitID(ctx, "sleep", stepID); err != nil {
			return err
		}
	}
	if err := c.claimStepID(stepID); err != nil {
		return err
	}

	cached, err := c.loadStep(ctx, stepID)
	if err != nil {
		return err
	}
	if cached != nil {
		switch cached.Value.Tag {
		case api.StepSleepCompleted:
			return nil
		case api.StepSleepScheduled:
			// Timer still pending; suspend again.
			return Suspend("sleep:" + stepID)
		default:
			return &api.Error{
				Code:        api.CodeStoreShape,
				ExecutionID: c.executionID,
				Message:     fmt.Sprintf("sleep slot %s holds tag %q", stepID, cached.Value.Tag),
			}
		}
	}

	fireAt := c.now().UTC().Add(d)
	if err := c.store.CreateTimer(ctx, &api.Timer{
		ID:          SleepTimerID(c.executionID, stepID),
		Type:        api.TimerSleep,
		FireAt:      fireAt,
		Status:      api.TimerPending,
		ExecutionID: c.executionID,
		StepID:      stepID,
	}); err != nil {
		return fmt.Errorf("arm sleep timer for %s: %w", stepID, err)
	}
	if err := c.saveStep(ctx, stepID, api.StepValue{Tag: api.StepSleepScheduled}); err != nil {
		return fmt.Errorf("persist sleep slot %s: %w", stepID, err)
	}
	c.audit.Record(ctx, c.executionID, c.attempt, api.AuditSleepScheduled, map[string]any{
		"step_id": stepID,
		"fire_at": fireAt.Format(time.RFC3339Nano),
	})
	return Suspend("sleep:" + stepID)
}
