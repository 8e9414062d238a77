// Package signals delivers external signals into waiting executions. A signal
// either completes the oldest waiting slot for its id and resumes the
// execution, or is buffered into the next unused slot so a future
// WaitForSignal call observes it immediately.
package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/audit"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

// Delivery lock parameters. Concurrent deliveries for the same
// (execution, signal) pair serialize on a short store lock when the backend
// supports one; acquisition is retried briefly before giving up.
const (
	lockTTL        = 5 * time.Second
	lockRetries    = 20
	lockRetryDelay = 5 * time.Millisecond
)

type (
	// Resumer wakes a sleeping execution after a delivery completed its wait.
	Resumer interface {
		Resume(ctx context.Context, executionID string) error
	}

	// Options configures the signal Handler.
	Options struct {
		Store   store.Store
		Audit   *audit.Logger
		Resumer Resumer
		Logger  telemetry.Logger
	}

	// Handler performs signal delivery and buffering.
	Handler struct {
		store   store.Store
		audit   *audit.Logger
		resumer Resumer
		logger  telemetry.Logger
	}
)

// New constructs a signal Handler.
func New(opts Options) *Handler {
	h := &Handler{
		store:   opts.Store,
		audit:   opts.Audit,
		resumer: opts.Resumer,
		logger:  opts.Logger,
	}
	if h.logger == nil {
		h.logger = telemetry.NewNoopLogger()
	}
	return h
}

// Deliver routes one signal to an execution. The oldest waiting slot for
// signalID receives the payload; with no waiting slot the payload is buffered
// into the first unused slot. Terminal executions accept the payload into a
// buffered slot but are never resumed.
func (h *Handler) Deliver(ctx context.Context, executionID, signalID string, payload api.Payload) error {
	if signalID == "" {
		return errors.New("signal id is required")
	}
	exec, err := h.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &api.Error{
				Code:        api.CodeExecutionNotFound,
				ExecutionID: executionID,
				Message:     fmt.Sprintf("execution %s not found", executionID),
			}
		}
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	release, err := h.lock(ctx, executionID, signalID)
	if err != nil {
		return err
	}
	defer release()

	slots, err := h.slots(ctx, executionID, signalID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, slot := range slots {
		if slot.result == nil || slot.result.Value.Tag != api.StepSignalWaiting {
			continue
		}
		value := api.StepValue{Tag: api.StepSignalCompleted, SignalID: signalID, Value: payload}
		if err := h.store.SaveStepResult(ctx, &api.StepResult{
			ExecutionID: executionID,
			StepID:      slot.id,
			Value:       value,
			RecordedAt:  now,
		}); err != nil {
			return fmt.Errorf("complete signal slot %s: %w", slot.id, err)
		}
		if timerID := slot.result.Value.TimerID; timerID != "" {
			if err := h.store.DeleteTimer(ctx, timerID); err != nil {
				h.logger.Warn(ctx, "delete signal timeout timer failed",
					"execution_id", executionID, "timer_id", timerID, "err", err.Error())
			}
		}
		h.audit.Record(ctx, executionID, exec.Attempt, api.AuditSignalDelivered, map[string]any{
			"signal_id": signalID,
			"step_id":   slot.id,
		})
		// Only a sleeping execution needs a wake-up; a running attempt
		// observes the completed slot on its own replay.
		if exec.Status == api.ExecutionSleeping && h.resumer != nil {
			if err := h.resumer.Resume(ctx, executionID); err != nil {
				return fmt.Errorf("resume execution %s: %w", executionID, err)
			}
		}
		return nil
	}

	bufferID := h.firstUnusedSlot(slots, signalID)
	if err := h.store.SaveStepResult(ctx, &api.StepResult{
		ExecutionID: executionID,
		StepID:      bufferID,
		Value:       api.StepValue{Tag: api.StepSignalCompleted, SignalID: signalID, Value: payload},
		RecordedAt:  now,
	}); err != nil {
		return fmt.Errorf("buffer signal slot %s: %w", bufferID, err)
	}
	h.audit.Record(ctx, executionID, exec.Attempt, api.AuditSignalDelivered, map[string]any{
		"signal_id": signalID,
		"step_id":   bufferID,
		"buffered":  true,
	})
	return nil
}

// lock serializes deliveries for one (execution, signal) pair when the store
// supports locks. Returns a release func; without lock support both are
// no-ops.
func (h *Handler) lock(ctx context.Context, executionID, signalID string) (func(), error) {
	locker, ok := h.store.(store.Locker)
	if !ok {
		return func() {}, nil
	}
	resource := "signal:" + executionID + ":" + signalID
	lockID := uuid.NewString()
	for i := 0; i < lockRetries; i++ {
		acquired, err := locker.AcquireLock(ctx, resource, lockID, lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire signal lock %s: %w", resource, err)
		}
		if acquired {
			return func() {
				if err := locker.ReleaseLock(context.WithoutCancel(ctx), resource, lockID); err != nil {
					h.logger.Warn(ctx, "release signal lock failed", "resource", resource, "err", err.Error())
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	return nil, api.Errorf(api.CodeIdempotencyLockFailed,
		"signal lock %s held by another delivery", resource)
}

type slot struct {
	id     string
	result *api.StepResult
}

// slots returns the delivery-ordered slot list for signalID: the base slot,
// then numeric slots ascending, then custom-id slots lexicographic. With a
// step-listing store the list includes custom slots; otherwise the base and
// numeric slots are read in sequence until one is missing.
func (h *Handler) slots(ctx context.Context, executionID, signalID string) ([]slot, error) {
	base := api.SignalStepPrefix + signalID
	if lister, ok := h.store.(store.StepLister); ok {
		all, err := lister.ListStepResults(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("list step results for %s: %w", executionID, err)
		}
		var baseSlot *slot
		var numeric, custom []slot
		for _, res := range all {
			if !strings.HasPrefix(res.StepID, api.SignalStepPrefix) || res.Value.SignalID != signalID {
				continue
			}
			s := slot{id: res.StepID, result: res}
			switch {
			case res.StepID == base:
				baseSlot = &s
			case strings.HasPrefix(res.StepID, base+":"):
				if _, err := strconv.Atoi(res.StepID[len(base)+1:]); err == nil {
					numeric = append(numeric, s)
				} else {
					custom = append(custom, s)
				}
			default:
				custom = append(custom, s)
			}
		}
		sort.Slice(numeric, func(i, j int) bool {
			ni, _ := strconv.Atoi(numeric[i].id[len(base)+1:])
			nj, _ := strconv.Atoi(numeric[j].id[len(base)+1:])
			return ni < nj
		})
		sort.Slice(custom, func(i, j int) bool { return custom[i].id < custom[j].id })
		ordered := make([]slot, 0, 1+len(numeric)+len(custom))
		if baseSlot != nil {
			ordered = append(ordered, *baseSlot)
		}
		ordered = append(ordered, numeric...)
		return append(ordered, custom...), nil
	}

	var ordered []slot
	for i := 0; ; i++ {
		id := base
		if i > 0 {
			id = base + ":" + strconv.Itoa(i)
		}
		res, err := h.store.GetStepResult(ctx, executionID, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ordered, nil
			}
			return nil, fmt.Errorf("load signal slot %s: %w", id, err)
		}
		ordered = append(ordered, slot{id: id, result: res})
	}
}

// firstUnusedSlot picks the buffering target: the base slot when absent,
// otherwise the lowest unoccupied numeric slot.
func (h *Handler) firstUnusedSlot(existing []slot, signalID string) string {
	base := api.SignalStepPrefix + signalID
	used := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		used[s.id] = struct{}{}
	}
	if _, ok := used[base]; !ok {
		return base
	}
	for i := 1; ; i++ {
		id := base + ":" + strconv.Itoa(i)
		if _, ok := used[id]; !ok {
			return id
		}
	}
}
