package dctx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perdura/durable/api"
)

// NoMatchBranchID is recorded when no switch branch matched and no default
// was supplied.
const NoMatchBranchID = "__nomatch"

type (
	// Branch is one arm of a durable switch.
	Branch struct {
		// ID identifies the branch in the recorded decision.
		ID string
		// Match reports whether the branch applies to the switched value.
		// Ignored on the default branch.
		Match func(value any) bool
		// Run produces the branch result. Its return value is JSON-marshaled
		// into the switch slot.
		Run func(ctx context.Context) (any, error)
	}

	// SwitchResult is the recorded outcome of a durable switch.
	SwitchResult struct {
		// BranchID names the branch that ran, or NoMatchBranchID.
		BranchID string
		// Value is the marshaled branch result.
		Value api.Payload
	}
)

// Switch evaluates branches in order against value and durably records which
// branch ran together with its result. Replay returns the recorded decision
// without re-evaluating conditions, so non-deterministic predicates cannot
// fork the history. When nothing matches and def is nil the no-match outcome
// is recorded and returned with a nil value.
func (c *Context) Switch(ctx context.Context, stepID string, value any, branches []Branch, def *Branch) (*SwitchResult, error) {
	if err := c.claimUserStepID(stepID); err != nil {
		return nil, err
	}

	if cached, err := c.loadStep(ctx, stepID); err != nil {
		return nil, err
	} else if cached != nil {
		if cached.Value.Tag != api.StepSwitch {
			return nil, &api.Error{
				Code:        api.CodeStoreShape,
				ExecutionID: c.executionID,
				Message:     fmt.Sprintf("switch slot %s holds tag %q", stepID, cached.Value.Tag),
			}
		}
		return &SwitchResult{BranchID: cached.Value.BranchID, Value: cached.Value.Value}, nil
	}

	chosen := def
	for i := range branches {
		if branches[i].Match != nil && branches[i].Match(value) {
			chosen = &branches[i]
			break
		}
	}

	result := &SwitchResult{BranchID: NoMatchBranchID}
	if chosen != nil {
		result.BranchID = chosen.ID
		if result.BranchID == "" {
			result.BranchID = "default"
		}
		if chosen.Run != nil {
			out, err := chosen.Run(ctx)
			if err != nil {
				return nil, fmt.Errorf("switch %s branch %s: %w", stepID, result.BranchID, err)
			}
			raw, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("marshal switch %s result: %w", stepID, err)
			}
			result.Value = raw
		}
	}

	if err := c.saveStep(ctx, stepID, api.StepValue{
		Tag:      api.StepSwitch,
		BranchID: result.BranchID,
		Value:    result.Value,
	}); err != nil {
		return nil, fmt.Errorf("persist switch %s: %w", stepID, err)
	}
	c.audit.Record(ctx, c.executionID, c.attempt, api.AuditSwitchEvaluated, map[string]any{
		"step_id":   stepID,
		"branch_id": result.BranchID,
	})
	return result, nil
}

// EmitOption customizes an Emit call.
type EmitOption func(*emitOptions)

type emitOptions struct {
	stepID string
}

// WithEmitStepID pins the emit to a stable slot id instead of the implicit
// call counter. The id is namespaced under "__emit:".
func WithEmitStepID(id string) EmitOption {
	return func(o *emitOptions) { o.stepID = id }
}

// Emit publishes an event exactly once per execution history. The publication
// is recorded as a durable slot so replayed attempts do not re-publish.
// Publisher errors fail the step (and thus the attempt) so delivery is
// retried with the workflow.
func (c *Context) Emit(ctx context.Context, event string, payload any, opts ...EmitOption) error {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}
	var stepID string
	if o.stepID != "" {
		stepID = "__emit:" + o.stepID
	} else {
		stepID = fmt.Sprintf("__emit:%d", c.emitSeq)
		c.emitSeq++
		if err := c.checkImplicitID(ctx, "emit", stepID); err != nil {
			return err
		}
	}
	if err := c.claimStepID(stepID); err != nil {
		return err
	}

	if cached, err := c.loadStep(ctx, stepID); err != nil {
		return err
	} else if cached != nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal emit %s payload: %w", event, err)
	}
	if c.emitter != nil {
		if err := c.emitter(ctx, event, raw); err != nil {
			return fmt.Errorf("publish %s: %w", event, err)
		}
	}
	if err := c.saveStep(ctx, stepID, api.StepValue{Tag: api.StepOpaque, Value: raw}); err != nil {
		return fmt.Errorf("persist emit slot %s: %w", stepID, err)
	}
	c.audit.Record(ctx, c.executionID, c.attempt, api.AuditEmitPublished, map[string]any{
		"event":   event,
		"step_id": stepID,
	})
	return nil
}

// Note appends a free-form audit entry. Notes are not durable slots: they
// reappear on every replayed attempt and never affect control flow.
func (c *Context) Note(ctx context.Context, message string, fields map[string]any) {
	merged := map[string]any{"message": message}
	for k, v := range fields {
		merged[k] = v
	}
	c.audit.Record(ctx, c.executionID, c.attempt, api.AuditNote, merged)
}
