// Package dctx implements the replayable durable context handed to workflow
// code. Every externally visible decision (step result, sleep, signal wait,
// switch branch, emit) is persisted through the Store so that a fresh attempt
// deterministically re-derives prior outcomes and only executes what has not
// been recorded yet.
//
// Workflow functions receive the context explicitly:
//
//	func(ctx context.Context, dc *dctx.Context, input api.Payload) (api.Payload, error)
//
// Helpers that suspend the attempt (Sleep, WaitForSignal on first encounter)
// return a *Suspension error; workflow code propagates it like any other
// error and the execution runner recognizes it with errors.As. A Context is
// bound to a single attempt and must not be shared across goroutines.
package dctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/audit"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

// WorkflowFunc is the workflow entry point executed on every attempt.
type WorkflowFunc func(ctx context.Context, dc *Context, input api.Payload) (api.Payload, error)

// Suspension is the control error that unwinds an attempt while preserving
// progress in the Store. It is never surfaced to callers.
type Suspension struct {
	// Reason describes the suspension point ("sleep:<step>", "signal:<id>").
	Reason string
}

// Error implements the error interface.
func (s *Suspension) Error() string {
	return "workflow suspended: " + s.Reason
}

// Suspend returns a Suspension error with the given reason.
func Suspend(reason string) error {
	return &Suspension{Reason: reason}
}

// IsSuspension reports whether err is (or wraps) a Suspension.
func IsSuspension(err error) bool {
	var s *Suspension
	return errors.As(err, &s)
}

// ImplicitIDPolicy governs whether internal step ids may be assigned
// implicitly by call counters (sleep, emit, waitForSignal without an explicit
// step id). Implicit ids are fragile under workflow code reordering.
type ImplicitIDPolicy string

const (
	// PolicyAllow accepts implicit ids silently.
	PolicyAllow ImplicitIDPolicy = "allow"
	// PolicyWarn accepts implicit ids and logs a warning. Default.
	PolicyWarn ImplicitIDPolicy = "warn"
	// PolicyError rejects the first implicit id with a determinism violation.
	PolicyError ImplicitIDPolicy = "error"
)

type (
	// Options configures a Context for one attempt.
	Options struct {
		// Store persists step results and timers. Required.
		Store store.Store
		// Audit records the attempt history. Required.
		Audit *audit.Logger
		// Logger reports implicit-id warnings. Defaults to no-op.
		Logger telemetry.Logger
		// ImplicitIDs selects the implicit step id policy. Defaults to warn.
		ImplicitIDs ImplicitIDPolicy
		// Emitter publishes Emit events outside the store; nil disables
		// publication (the durable record is still written).
		Emitter func(ctx context.Context, event string, payload api.Payload) error
		// Now overrides the clock for tests.
		Now func() time.Time
	}

	// Context is the per-attempt replay engine.
	Context struct {
		executionID string
		attempt     int

		store   store.Store
		audit   *audit.Logger
		logger  telemetry.Logger
		policy  ImplicitIDPolicy
		emitter func(ctx context.Context, event string, payload api.Payload) error
		now     func() time.Time

		// usedIDs enforces step id uniqueness within the attempt.
		usedIDs   map[string]struct{}
		sleepSeq  int
		emitSeq   int
		signalSeq map[string]int

		// comps is the compensation stack, popped LIFO on rollback.
		comps []compensation
	}

	compensation struct {
		stepID string
		down   DownFunc
		value  api.Payload
	}
)

// New constructs a Context bound to (executionID, attempt).
func New(executionID string, attempt int, opts Options) *Context {
	c := &Context{
		executionID: executionID,
		attempt:     attempt,
		store:       opts.Store,
		audit:       opts.Audit,
		logger:      opts.Logger,
		policy:      opts.ImplicitIDs,
		emitter:     opts.Emitter,
		now:         opts.Now,
		usedIDs:     make(map[string]struct{}),
		signalSeq:   make(map[string]int),
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.policy == "" {
		c.policy = PolicyWarn
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// ExecutionID returns the execution this context is bound to.
func (c *Context) ExecutionID() string { return c.executionID }

// Attempt returns the 1-based attempt counter.
func (c *Context) Attempt() int { return c.attempt }

// claimStepID validates and reserves a user-supplied step id.
func (c *Context) claimUserStepID(stepID string) error {
	if stepID == "" {
		return api.Errorf(api.CodeDeterminismViolation, "empty step id")
	}
	if api.ReservedStepID(stepID) {
		return &api.Error{
			Code:        api.CodeDeterminismViolation,
			ExecutionID: c.executionID,
			Attempt:     c.attempt,
			Message:     fmt.Sprintf("step id %q uses a reserved prefix", stepID),
		}
	}
	return c.claimStepID(stepID)
}

// claimStepID reserves an already-validated step id, rejecting duplicates.
func (c *Context) claimStepID(stepID string) error {
	if _, dup := c.usedIDs[stepID]; dup {
		return &api.Error{
			Code:        api.CodeDeterminismViolation,
			ExecutionID: c.executionID,
			Attempt:     c.attempt,
			Message:     fmt.Sprintf("duplicate step id %q in attempt", stepID),
		}
	}
	c.usedIDs[stepID] = struct{}{}
	return nil
}

// checkImplicitID applies the implicit id policy for the given call kind.
func (c *Context) checkImplicitID(ctx context.Context, kind, assigned string) error {
	switch c.policy {
	case PolicyAllow:
		return nil
	case PolicyError:
		return &api.Error{
			Code:        api.CodeDeterminismViolation,
			ExecutionID: c.executionID,
			Attempt:     c.attempt,
			Message:     fmt.Sprintf("implicit internal step id for %s; pass an explicit step id", kind),
		}
	default:
		c.logger.Warn(ctx, "implicit internal step id",
			"execution_id", c.executionID, "kind", kind, "step_id", assigned)
		return nil
	}
}

// loadStep reads a step slot, mapping store.ErrNotFound to (nil, nil).
func (c *Context) loadStep(ctx context.Context, stepID string) (*api.StepResult, error) {
	res, err := c.store.GetStepResult(ctx, c.executionID, stepID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load step %s: %w", stepID, err)
	}
	if err := res.Value.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// saveStep persists a step slot value.
func (c *Context) saveStep(ctx context.Context, stepID string, value api.StepValue) error {
	return c.store.SaveStepResult(ctx, &api.StepResult{
		ExecutionID: c.executionID,
		StepID:      stepID,
		Value:       value,
		RecordedAt:  c.now().UTC(),
	})
}
