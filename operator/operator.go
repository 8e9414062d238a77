// Package operator exposes the administrative surface: inspecting executions,
// finding stuck ones, and repairing persisted state (skipping a poisoned
// step, re-running a failed rollback, forcing a terminal status). Every
// repair goes through the Store's optional capabilities; a backend that lacks
// one rejects the operation with ErrUnsupported instead of faking it.
package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

// ErrUnsupported indicates the configured store lacks the capability an
// operation needs.
var ErrUnsupported = errors.New("operator: store capability not supported")

type (
	// Executions is the lifecycle surface the operator drives.
	Executions interface {
		Resume(ctx context.Context, executionID string) error
		Cancel(ctx context.Context, executionID, reason string) error
	}

	// Options configures the Operator.
	Options struct {
		Store      store.Store
		Executions Executions
		Logger     telemetry.Logger
	}

	// Operator performs administrative inspection and repair.
	Operator struct {
		store      store.Store
		executions Executions
		logger     telemetry.Logger
	}

	// ExecutionDetail aggregates everything known about one execution. Steps
	// and Audit are nil when the store cannot enumerate them.
	ExecutionDetail struct {
		Execution *api.Execution
		Steps     []*api.StepResult
		Audit     []*api.AuditEntry
	}
)

// New constructs an Operator.
func New(opts Options) *Operator {
	o := &Operator{
		store:      opts.Store,
		executions: opts.Executions,
		logger:     opts.Logger,
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	return o
}

// ListExecutions returns executions matching the filter.
func (o *Operator) ListExecutions(ctx context.Context, opts store.ListOptions) ([]*api.Execution, error) {
	lister, ok := o.store.(store.ExecutionLister)
	if !ok {
		return nil, fmt.Errorf("%w: listing executions (store %T)", ErrUnsupported, o.store)
	}
	return lister.ListExecutions(ctx, opts)
}

// ListStuck returns active executions that have not progressed within the
// given window.
func (o *Operator) ListStuck(ctx context.Context, olderThan time.Duration) ([]*api.Execution, error) {
	lister, ok := o.store.(store.StuckLister)
	if !ok {
		return nil, fmt.Errorf("%w: listing stuck executions (store %T)", ErrUnsupported, o.store)
	}
	return lister.ListStuckExecutions(ctx, olderThan)
}

// GetExecutionDetail loads the execution row plus its step slots and audit
// trail where the store can provide them.
func (o *Operator) GetExecutionDetail(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
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
	detail := &ExecutionDetail{Execution: exec}
	if lister, ok := o.store.(store.StepLister); ok {
		steps, err := lister.ListStepResults(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("list step results: %w", err)
		}
		detail.Steps = steps
	}
	if sink, ok := o.store.(store.AuditSink); ok {
		entries, err := sink.ListAuditEntries(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("list audit entries: %w", err)
		}
		detail.Audit = entries
	}
	return detail, nil
}

// RetryRollback clears the rollback step slots of a compensation_failed
// execution and re-dispatches it so compensations run again.
func (o *Operator) RetryRollback(ctx context.Context, executionID string) error {
	editor, ok := o.store.(store.OperatorEditor)
	if !ok {
		return fmt.Errorf("%w: retrying rollback (store %T)", ErrUnsupported, o.store)
	}
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != api.ExecutionCompensationFailed {
		return fmt.Errorf("execution %s is %s, not %s", executionID, exec.Status, api.ExecutionCompensationFailed)
	}
	if err := editor.RetryRollback(ctx, executionID); err != nil {
		return fmt.Errorf("clear rollback slots: %w", err)
	}
	// Re-open the execution so the dispatched attempt may run.
	exec.Status = api.ExecutionRetrying
	exec.CompletedAt = nil
	exec.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("reopen execution %s: %w", executionID, err)
	}
	o.logger.Info(ctx, "rollback retry requested", "execution_id", executionID)
	return o.executions.Resume(ctx, executionID)
}

// SkipStep force-records an opaque result for a step so the next attempt
// replays past it.
func (o *Operator) SkipStep(ctx context.Context, executionID, stepID string, value api.Payload) error {
	editor, ok := o.store.(store.OperatorEditor)
	if !ok {
		return fmt.Errorf("%w: skipping steps (store %T)", ErrUnsupported, o.store)
	}
	if err := editor.SkipStep(ctx, executionID, stepID, value); err != nil {
		return err
	}
	o.logger.Info(ctx, "step skipped", "execution_id", executionID, "step_id", stepID)
	return nil
}

// EditStepResult replaces the stored value of an existing step slot.
func (o *Operator) EditStepResult(ctx context.Context, executionID, stepID string, value api.StepValue) error {
	editor, ok := o.store.(store.OperatorEditor)
	if !ok {
		return fmt.Errorf("%w: editing step results (store %T)", ErrUnsupported, o.store)
	}
	if err := value.Validate(); err != nil {
		return err
	}
	if err := editor.EditStepResult(ctx, executionID, stepID, value); err != nil {
		return err
	}
	o.logger.Info(ctx, "step result edited", "execution_id", executionID, "step_id", stepID)
	return nil
}

// ForceFail transitions an execution to failed regardless of its state.
func (o *Operator) ForceFail(ctx context.Context, executionID, reason string) error {
	editor, ok := o.store.(store.OperatorEditor)
	if !ok {
		return fmt.Errorf("%w: force-failing (store %T)", ErrUnsupported, o.store)
	}
	if err := editor.ForceFail(ctx, executionID, reason); err != nil {
		return err
	}
	o.logger.Warn(ctx, "execution force-failed", "execution_id", executionID, "reason", reason)
	return nil
}

// ResumeExecution re-dispatches an execution attempt.
func (o *Operator) ResumeExecution(ctx context.Context, executionID string) error {
	return o.executions.Resume(ctx, executionID)
}

// CancelExecution requests cancellation with an operator-supplied reason.
func (o *Operator) CancelExecution(ctx context.Context, executionID, reason string) error {
	return o.executions.Cancel(ctx, executionID, reason)
}
