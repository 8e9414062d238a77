// Package api defines the shared data model for the durable execution engine:
// executions, step results, timers, schedules, and audit entries. These types
// are persisted by Store implementations and exchanged between the engine
// managers; they carry no behavior beyond validation and small helpers so that
// every backend (in-memory, Redis, Mongo) serializes the same shapes.
package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payload is an opaque JSON-encoded value. The engine never interprets user
// payloads beyond round-tripping them through the configured Store.
type Payload = json.RawMessage

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	// ExecutionPending indicates the execution has been persisted but no
	// attempt has started yet.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning indicates an attempt is actively executing.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionSleeping indicates the execution is suspended on a durable
	// sleep or signal wait.
	ExecutionSleeping ExecutionStatus = "sleeping"
	// ExecutionRetrying indicates the last attempt failed and a retry timer
	// is armed.
	ExecutionRetrying ExecutionStatus = "retrying"
	// ExecutionCompleted indicates the workflow returned successfully.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed indicates the retry budget is exhausted.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionCompensationFailed indicates a compensation threw during
	// rollback; operator intervention is required.
	ExecutionCompensationFailed ExecutionStatus = "compensation_failed"
	// ExecutionCancelled indicates the execution was cancelled externally.
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. Once terminal, no further
// status mutation may occur.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCompensationFailed, ExecutionCancelled:
		return true
	}
	return false
}

type (
	// Execution is one attempt lineage of a workflow: the persisted row that
	// every attempt reads and the single funnel for terminal transitions.
	Execution struct {
		// ID is the opaque execution identifier.
		ID string `json:"id" bson:"_id"`
		// TaskID names the registered workflow to run.
		TaskID string `json:"task_id" bson:"task_id"`
		// Input is the opaque workflow input payload.
		Input Payload `json:"input,omitempty" bson:"input,omitempty"`
		// Status is the current lifecycle state.
		Status ExecutionStatus `json:"status" bson:"status"`
		// Attempt is the 1-based attempt counter. It only increases.
		Attempt int `json:"attempt" bson:"attempt"`
		// MaxAttempts caps the retry budget.
		MaxAttempts int `json:"max_attempts" bson:"max_attempts"`
		// Timeout bounds total wall-clock execution measured from CreatedAt.
		// Zero means no execution timeout.
		Timeout time.Duration `json:"timeout,omitempty" bson:"timeout,omitempty"`
		// Result holds the workflow return value once completed.
		Result Payload `json:"result,omitempty" bson:"result,omitempty"`
		// Error records the terminal failure, if any.
		Error *ErrorInfo `json:"error,omitempty" bson:"error,omitempty"`

		CreatedAt time.Time `json:"created_at" bson:"created_at"`
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
		// CompletedAt is set when the execution reaches a terminal state.
		CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
		// CancelRequestedAt records the first cancellation request. Preserved
		// across the cancel transition.
		CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty" bson:"cancel_requested_at,omitempty"`
		// CancelledAt is set when the cancel transition is applied.
		CancelledAt *time.Time `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`
		// CancelReason is the caller-supplied reason carried into the terminal
		// error when the cancel transition lands.
		CancelReason string `json:"cancel_reason,omitempty" bson:"cancel_reason,omitempty"`
	}

	// ErrorInfo is the persisted form of an execution error.
	ErrorInfo struct {
		Message string `json:"message" bson:"message"`
		Stack   string `json:"stack,omitempty" bson:"stack,omitempty"`
	}

	// StepResult is the cached outcome of a durable step, sleep, or signal
	// slot, keyed by (ExecutionID, StepID).
	StepResult struct {
		ExecutionID string    `json:"execution_id" bson:"execution_id"`
		StepID      string    `json:"step_id" bson:"step_id"`
		Value       StepValue `json:"value" bson:"value"`
		RecordedAt  time.Time `json:"recorded_at" bson:"recorded_at"`
	}

	// StepValue is the tagged variant persisted for a step slot. Exactly one
	// shape is valid per tag; Validate enforces the discriminator so malformed
	// rows surface as store-shape errors instead of being silently dropped.
	StepValue struct {
		// Tag discriminates the variant.
		Tag StepValueTag `json:"tag" bson:"tag"`
		// Value carries the opaque step result, the delivered signal payload,
		// or the cached switch branch result depending on Tag.
		Value Payload `json:"value,omitempty" bson:"value,omitempty"`
		// SignalID names the awaited signal for signal variants.
		SignalID string `json:"signal_id,omitempty" bson:"signal_id,omitempty"`
		// TimerID references the armed signal_timeout timer, if any.
		TimerID string `json:"timer_id,omitempty" bson:"timer_id,omitempty"`
		// TimeoutAt records the signal wait deadline, if any.
		TimeoutAt *time.Time `json:"timeout_at,omitempty" bson:"timeout_at,omitempty"`
		// BranchID records the evaluated switch branch for switch variants.
		BranchID string `json:"branch_id,omitempty" bson:"branch_id,omitempty"`
	}

	// Timer is a deferred action row consumed by the polling loop.
	Timer struct {
		ID     string      `json:"id" bson:"_id"`
		Type   TimerType   `json:"type" bson:"type"`
		FireAt time.Time   `json:"fire_at" bson:"fire_at"`
		Status TimerStatus `json:"status" bson:"status"`

		// ExecutionID and StepID pair sleep and signal_timeout timers with
		// their step slot; ExecutionID alone pairs retry timers.
		ExecutionID string `json:"execution_id,omitempty" bson:"execution_id,omitempty"`
		StepID      string `json:"step_id,omitempty" bson:"step_id,omitempty"`
		// TaskID and Input describe the execution a scheduled timer creates.
		TaskID string  `json:"task_id,omitempty" bson:"task_id,omitempty"`
		Input  Payload `json:"input,omitempty" bson:"input,omitempty"`
		// ScheduleID links a scheduled timer back to its Schedule row.
		ScheduleID string `json:"schedule_id,omitempty" bson:"schedule_id,omitempty"`
	}

	// Schedule is a recurring or one-off workflow trigger.
	Schedule struct {
		ID      string         `json:"id" bson:"_id"`
		TaskID  string         `json:"task_id" bson:"task_id"`
		Type    ScheduleType   `json:"type" bson:"type"`
		Pattern string         `json:"pattern" bson:"pattern"`
		Input   Payload        `json:"input,omitempty" bson:"input,omitempty"`
		Status  ScheduleStatus `json:"status" bson:"status"`
		LastRun *time.Time     `json:"last_run,omitempty" bson:"last_run,omitempty"`
		NextRun *time.Time     `json:"next_run,omitempty" bson:"next_run,omitempty"`
	}

	// AuditEntry is one structured history record for an execution. Entries
	// are best-effort: losing them never affects workflow correctness.
	AuditEntry struct {
		// ID is sortable: "<epochMs>:<uuid>".
		ID          string    `json:"id" bson:"_id"`
		ExecutionID string    `json:"execution_id" bson:"execution_id"`
		At          time.Time `json:"at" bson:"at"`
		Attempt     int       `json:"attempt" bson:"attempt"`
		Kind        AuditKind `json:"kind" bson:"kind"`
		// Fields carries kind-specific context (step id, status transition,
		// signal id, ...).
		Fields map[string]any `json:"fields,omitempty" bson:"fields,omitempty"`
	}
)

// StepValueTag discriminates StepValue variants.
type StepValueTag string

const (
	// StepOpaque is a plain durable step result.
	StepOpaque StepValueTag = "opaque"
	// StepSleepScheduled marks a sleep slot whose timer has not fired yet.
	StepSleepScheduled StepValueTag = "sleep_scheduled"
	// StepSleepCompleted marks a sleep slot whose timer fired.
	StepSleepCompleted StepValueTag = "sleep_completed"
	// StepSignalWaiting marks a signal slot awaiting delivery.
	StepSignalWaiting StepValueTag = "signal_waiting"
	// StepSignalCompleted marks a signal slot holding a delivered payload.
	StepSignalCompleted StepValueTag = "signal_completed"
	// StepSignalTimedOut marks a signal slot whose wait deadline elapsed.
	StepSignalTimedOut StepValueTag = "signal_timed_out"
	// StepSwitch is a cached switch evaluation (branch id + branch result).
	StepSwitch StepValueTag = "switch"
)

// Validate checks the tagged variant shape. It returns a store-shape error
// when the discriminator is unknown or a required field is missing.
func (v StepValue) Validate() error {
	switch v.Tag {
	case StepOpaque, StepSleepScheduled, StepSleepCompleted, StepSignalTimedOut:
		return nil
	case StepSignalWaiting, StepSignalCompleted:
		if v.SignalID == "" {
			return &Error{Code: CodeStoreShape, Message: fmt.Sprintf("step value %q missing signal id", v.Tag)}
		}
		return nil
	case StepSwitch:
		if v.BranchID == "" {
			return &Error{Code: CodeStoreShape, Message: "switch step value missing branch id"}
		}
		return nil
	default:
		return &Error{Code: CodeStoreShape, Message: fmt.Sprintf("unknown step value tag %q", v.Tag)}
	}
}

// TimerType drives polling loop dispatch.
type TimerType string

const (
	// TimerSleep wakes a durable sleep.
	TimerSleep TimerType = "sleep"
	// TimerRetry resumes a retrying execution (also used for kickoff failsafes).
	TimerRetry TimerType = "retry"
	// TimerScheduled fires a Schedule occurrence.
	TimerScheduled TimerType = "scheduled"
	// TimerSignalTimeout expires a waiting signal slot.
	TimerSignalTimeout TimerType = "signal_timeout"
)

// TimerStatus is the lifecycle state of a timer row.
type TimerStatus string

const (
	// TimerPending means the timer has not been handled yet. At most one
	// pending row may exist per timer id.
	TimerPending TimerStatus = "pending"
	// TimerFired means a poller handled the timer.
	TimerFired TimerStatus = "fired"
)

// ScheduleType selects the next-fire computation for a schedule.
type ScheduleType string

const (
	// ScheduleInterval fires every Pattern milliseconds.
	ScheduleInterval ScheduleType = "interval"
	// ScheduleCron fires per a cron expression in Pattern.
	ScheduleCron ScheduleType = "cron"
	// ScheduleOnce fires a single time at the RFC 3339 instant in Pattern.
	ScheduleOnce ScheduleType = "once"
)

// ScheduleStatus is the activation state of a schedule.
type ScheduleStatus string

const (
	// ScheduleActive means the polling loop honors scheduled timers.
	ScheduleActive ScheduleStatus = "active"
	// SchedulePaused means scheduled timers are skipped until resumed.
	SchedulePaused ScheduleStatus = "paused"
)

// IntervalPattern renders an interval duration as a Schedule pattern.
func IntervalPattern(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// ParseIntervalPattern parses an interval pattern back into a duration.
func ParseIntervalPattern(pattern string) (time.Duration, error) {
	ms, err := strconv.ParseInt(pattern, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid interval pattern %q", pattern)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// AuditKind enumerates audit entry kinds.
type AuditKind string

const (
	AuditExecutionStatusChanged AuditKind = "execution_status_changed"
	AuditStepCompleted          AuditKind = "step_completed"
	AuditSleepScheduled         AuditKind = "sleep_scheduled"
	AuditSleepCompleted         AuditKind = "sleep_completed"
	AuditSignalWaiting          AuditKind = "signal_waiting"
	AuditSignalDelivered        AuditKind = "signal_delivered"
	AuditSignalTimedOut         AuditKind = "signal_timed_out"
	AuditEmitPublished          AuditKind = "emit_published"
	AuditSwitchEvaluated        AuditKind = "switch_evaluated"
	AuditNote                   AuditKind = "note"
)

// Reserved step-id prefixes. User steps must not use them.
const (
	// InternalStepPrefix reserves every id starting with "__".
	InternalStepPrefix = "__"
	// SleepStepPrefix prefixes implicit sleep slots ("__sleep:<n>").
	SleepStepPrefix = "__sleep:"
	// SignalStepPrefix prefixes signal slots ("__signal:<id>[:<n>]").
	SignalStepPrefix = "__signal:"
	// RollbackStepPrefix prefixes durable compensation steps.
	RollbackStepPrefix = "rollback:"
)

// ReservedStepID reports whether id uses a reserved prefix.
func ReservedStepID(id string) bool {
	return strings.HasPrefix(id, InternalStepPrefix) || strings.HasPrefix(id, RollbackStepPrefix)
}
