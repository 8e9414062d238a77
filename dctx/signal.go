package dctx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/perdura/durable/api"
)

// SignalKind tags the outcome of a signal wait.
type SignalKind string

const (
	// SignalDelivered means the awaited signal arrived.
	SignalDelivered SignalKind = "signal"
	// SignalTimedOut means the wait deadline elapsed first.
	SignalTimedOut SignalKind = "timeout"
)

type (
	// SignalOutcome is the result of a completed signal wait.
	SignalOutcome struct {
		// Kind distinguishes delivery from timeout.
		Kind SignalKind
		// Payload is the delivered signal payload; nil on timeout.
		Payload api.Payload
	}

	// SignalOption customizes a WaitForSignal call.
	SignalOption func(*signalOptions)

	signalOptions struct {
		timeout time.Duration
		stepID  string
	}
)

// WithSignalTimeout bounds the wait. On expiry WaitForSignal returns a
// timeout outcome instead of an error.
func WithSignalTimeout(d time.Duration) SignalOption {
	return func(o *signalOptions) { o.timeout = d }
}

// WithSignalStepID pins the wait to a stable slot id instead of the implicit
// per-signal call counter. The id is namespaced under "__signal:".
func WithSignalStepID(id string) SignalOption {
	return func(o *signalOptions) { o.stepID = id }
}

// SignalTimeoutTimerID derives the deterministic timer id guarding a signal
// wait.
func SignalTimeoutTimerID(executionID, slotID string) string {
	return "signal_timeout:" + executionID + ":" + slotID
}

// WaitForSignal suspends the execution until the named signal is delivered or
// the optional timeout elapses. Repeated waits on the same signal consume
// successive numbered slots ("__signal:<id>", then ":1", ":2", ...), matching
// the delivery order used by the signal handler. Without a timeout, an
// expired slot surfaces as a signal-timeout error.
func (c *Context) WaitForSignal(ctx context.Context, signalID string, opts ...SignalOption) (*SignalOutcome, error) {
	var o signalOptions
	for _, opt := range opts {
		opt(&o)
	}
	if signalID == "" {
		return nil, api.Errorf(api.CodeDeterminismViolation, "empty signal id")
	}
	var slotID string
	if o.stepID != "" {
		slotID = api.SignalStepPrefix + o.stepID
	} else {
		n := c.signalSeq[signalID]
		c.signalSeq[signalID]++
		if n == 0 {
			slotID = api.SignalStepPrefix + signalID
		} else {
			slotID = api.SignalStepPrefix + signalID + ":" + strconv.Itoa(n)
		}
		// Implicit slots depend on per-signal call order; stable ids do not.
		if err := c.checkImplicitID(ctx, "signal", slotID); err != nil {
			return nil, err
		}
	}
	if err := c.claimStepID(slotID); err != nil {
		return nil, err
	}

	cached, err := c.loadStep(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		value := api.StepValue{Tag: api.StepSignalWaiting, SignalID: signalID}
		if o.timeout > 0 {
			timerID, timeoutAt, err := c.armSignalTimeout(ctx, slotID, o.timeout)
			if err != nil {
				return nil, err
			}
			value.TimerID = timerID
			value.TimeoutAt = &timeoutAt
		}
		if err := c.saveStep(ctx, slotID, value); err != nil {
			return nil, fmt.Errorf("persist signal slot %s: %w", slotID, err)
		}
		fields := map[string]any{"signal_id": signalID, "step_id": slotID}
		if value.TimeoutAt != nil {
			fields["timeout_at"] = value.TimeoutAt.Format(time.RFC3339Nano)
		}
		c.audit.Record(ctx, c.executionID, c.attempt, api.AuditSignalWaiting, fields)
		return nil, Suspend("signal:" + signalID)
	}

	switch cached.Value.Tag {
	case api.StepSignalCompleted:
		return &SignalOutcome{Kind: SignalDelivered, Payload: cached.Value.Value}, nil
	case api.StepSignalTimedOut:
		if o.timeout > 0 {
			return &SignalOutcome{Kind: SignalTimedOut}, nil
		}
		return nil, &api.Error{
			Code:        api.CodeSignalTimeout,
			ExecutionID: c.executionID,
			Attempt:     c.attempt,
			Message:     fmt.Sprintf("signal %s timed out", signalID),
		}
	case api.StepSignalWaiting:
		// A timeout added after the slot was created is armed on replay.
		if o.timeout > 0 && cached.Value.TimerID == "" {
			timerID, timeoutAt, err := c.armSignalTimeout(ctx, slotID, o.timeout)
			if err != nil {
				return nil, err
			}
			updated := cached.Value
			updated.TimerID = timerID
			updated.TimeoutAt = &timeoutAt
			if err := c.saveStep(ctx, slotID, updated); err != nil {
				return nil, fmt.Errorf("persist signal slot %s: %w", slotID, err)
			}
		}
		return nil, Suspend("signal:" + signalID)
	default:
		return nil, &api.Error{
			Code:        api.CodeStoreShape,
			ExecutionID: c.executionID,
			Message:     fmt.Sprintf("signal slot %s holds tag %q", slotID, cached.Value.Tag),
		}
	}
}

func (c *Context) armSignalTimeout(ctx context.Context, slotID string, timeout time.Duration) (string, time.Time, error) {
	timerID := SignalTimeoutTimerID(c.executionID, slotID)
	timeoutAt := c.now().UTC().Add(timeout)
	if err := c.store.CreateTimer(ctx, &api.Timer{
		ID:          timerID,
		Type:        api.TimerSignalTimeout,
		FireAt:      timeoutAt,
		Status:      api.TimerPending,
		ExecutionID: c.executionID,
		StepID:      slotID,
	}); err != nil {
		return "", time.Time{}, fmt.Errorf("arm signal timeout for %s: %w", slotID, err)
	}
	return timerID, timeoutAt, nil
}
