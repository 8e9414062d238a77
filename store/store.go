// Package store defines the persistence contract for the durable execution
// engine. The required Store interface covers executions, step results,
// timers, and schedules; optional capabilities (audit, locks, idempotency,
// timer claims, operator edits) are modeled as separate interfaces that
// backends implement when they can. Callers discover capabilities with type
// assertions and fail fast with a clear error when an operation requires a
// capability the backend lacks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/perdura/durable/api"
)

// ErrNotFound is returned by lookups when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type (
	// Store is the required persistence surface. All mutable engine state
	// lives behind this interface; in-memory manager state is never shared
	// across workers.
	Store interface {
		// SaveExecution persists a new execution row.
		SaveExecution(ctx context.Context, exec *api.Execution) error
		// GetExecution loads an execution; ErrNotFound when missing.
		GetExecution(ctx context.Context, id string) (*api.Execution, error)
		// UpdateExecution replaces an existing execution row.
		UpdateExecution(ctx context.Context, exec *api.Execution) error
		// ListIncompleteExecutions returns all executions in a non-terminal state.
		ListIncompleteExecutions(ctx context.Context) ([]*api.Execution, error)

		// GetStepResult loads a step slot; ErrNotFound when missing.
		GetStepResult(ctx context.Context, executionID, stepID string) (*api.StepResult, error)
		// SaveStepResult creates or replaces a step slot.
		SaveStepResult(ctx context.Context, res *api.StepResult) error

		// CreateTimer persists a pending timer. At most one pending row may
		// exist per timer id; re-creating an id replaces the pending row.
		CreateTimer(ctx context.Context, timer *api.Timer) error
		// GetReadyTimers returns pending timers with FireAt <= now.
		GetReadyTimers(ctx context.Context, now time.Time) ([]*api.Timer, error)
		// MarkTimerFired flips a timer to fired without deleting it.
		MarkTimerFired(ctx context.Context, id string) error
		// DeleteTimer removes a timer row. Deleting a missing id is a no-op.
		DeleteTimer(ctx context.Context, id string) error

		// CreateSchedule persists a schedule row.
		CreateSchedule(ctx context.Context, sched *api.Schedule) error
		// GetSchedule loads a schedule; ErrNotFound when missing.
		GetSchedule(ctx context.Context, id string) (*api.Schedule, error)
		// UpdateSchedule replaces a schedule row.
		UpdateSchedule(ctx context.Context, sched *api.Schedule) error
		// DeleteSchedule removes a schedule row.
		DeleteSchedule(ctx context.Context, id string) error
		// ListSchedules returns every schedule row.
		ListSchedules(ctx context.Context) ([]*api.Schedule, error)
		// ListActiveSchedules returns schedules with status active.
		ListActiveSchedules(ctx context.Context) ([]*api.Schedule, error)
	}

	// Lifecycle is implemented by backends that need explicit setup/teardown.
	// The service façade invokes Init on Start and Dispose on Stop when the
	// configured Store, Queue, or EventBus implements it.
	Lifecycle interface {
		Init(ctx context.Context) error
		Dispose(ctx context.Context) error
	}

	// AuditSink is the optional audit persistence capability.
	AuditSink interface {
		// AppendAuditEntry persists a single audit entry.
		AppendAuditEntry(ctx context.Context, entry *api.AuditEntry) error
		// ListAuditEntries returns entries for an execution ordered by id.
		ListAuditEntries(ctx context.Context, executionID string) ([]*api.AuditEntry, error)
	}

	// StepLister is the optional capability to enumerate step slots of an
	// execution. The signal handler prefers it over index probing.
	StepLister interface {
		ListStepResults(ctx context.Context, executionID string) ([]*api.StepResult, error)
	}

	// TimerClaimer is the optional capability to lease a timer so concurrent
	// pollers do not handle the same row. Claim returns false when another
	// worker holds the lease.
	TimerClaimer interface {
		ClaimTimer(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error)
	}

	// Locker is the optional distributed lock capability. Locks are
	// (resource, lockID)-keyed: Release must compare the stored id before
	// deleting so an expired holder cannot release a successor's lock.
	Locker interface {
		// AcquireLock attempts to take the named lock for ttl. Returns false
		// when another holder owns it.
		AcquireLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error)
		// ReleaseLock deletes the lock iff the stored id matches lockID.
		ReleaseLock(ctx context.Context, resource, lockID string) error
		// RenewLock extends the lock ttl iff the stored id matches lockID.
		RenewLock(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error)
	}

	// IdempotencyMap is the optional (taskID, key) -> executionID claim map.
	IdempotencyMap interface {
		// GetExecutionIDByIdempotencyKey returns the mapped execution id, or
		// "" when no mapping exists.
		GetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key string) (string, error)
		// SetExecutionIDByIdempotencyKey claims the mapping. Returns false
		// when another caller claimed it first.
		SetExecutionIDByIdempotencyKey(ctx context.Context, taskID, key, executionID string) (bool, error)
	}

	// ExecutionLister is the optional capability backing the operator list
	// surface.
	ExecutionLister interface {
		ListExecutions(ctx context.Context, opts ListOptions) ([]*api.Execution, error)
	}

	// StuckLister is the optional capability to find executions that have not
	// progressed within a given window.
	StuckLister interface {
		// ListStuckExecutions returns active executions whose UpdatedAt is
		// older than now-olderThan.
		ListStuckExecutions(ctx context.Context, olderThan time.Duration) ([]*api.Execution, error)
	}

	// OperatorEditor is the optional capability for administrative repairs on
	// persisted state.
	OperatorEditor interface {
		// RetryRollback clears the rollback step rows of an execution so a
		// subsequent attempt re-runs compensations.
		RetryRollback(ctx context.Context, executionID string) error
		// SkipStep force-writes an opaque result into a step slot.
		SkipStep(ctx context.Context, executionID, stepID string, value api.Payload) error
		// ForceFail transitions an execution to failed regardless of state.
		ForceFail(ctx context.Context, executionID, reason string) error
		// EditStepResult replaces the stored value of an existing step slot.
		EditStepResult(ctx context.Context, executionID, stepID string, value api.StepValue) error
	}

	// ListOptions filters and pages operator execution listings.
	ListOptions struct {
		// Status restricts results to a single status when non-empty.
		Status api.ExecutionStatus
		// TaskID restricts results to one workflow when non-empty.
		TaskID string
		// Limit caps the result count; zero means backend default.
		Limit int
		// Offset skips rows for paging.
		Offset int
	}
)
