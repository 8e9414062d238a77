package dctx_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/audit"
	"github.com/perdura/durable/dctx"
	inmemstore "github.com/perdura/durable/features/store/inmem"
)

func newContext(t *testing.T, st *inmemstore.Store, attempt int) *dctx.Context {
	t.Helper()
	return dctx.New("exec-1", attempt, dctx.Options{
		Store: st,
		Audit: audit.New(audit.Options{Store: st, Enabled: true}),
	})
}

func TestStepRunsOnceAndReplays(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()

	calls := 0
	up := func(context.Context) (any, error) {
		calls++
		return map[string]string{"charge": "ok"}, nil
	}

	dc := newContext(t, st, 1)
	first, err := dc.Step(ctx, "charge", up)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// A second attempt replays the recorded value without rerunning.
	dc2 := newContext(t, st, 2)
	second, err := dc2.Step(ctx, "charge", up)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.JSONEq(t, string(first), string(second))
}

func TestStepTypedDecode(t *testing.T) {
	st := inmemstore.New()
	dc := newContext(t, st, 1)

	type receipt struct {
		ID    string `json:"id"`
		Total int    `json:"total"`
	}
	got, err := dctx.Step(context.Background(), dc, "invoice", func(context.Context) (receipt, error) {
		return receipt{ID: "r-9", Total: 42}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, receipt{ID: "r-9", Total: 42}, got)
}

func TestStepRetriesWithBudget(t *testing.T) {
	st := inmemstore.New()
	dc := newContext(t, st, 1)

	calls := 0
	_, err := dc.Step(context.Background(), "flaky", func(context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	}, dctx.WithRetries(3))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestStepExhaustedRetriesFails(t *testing.T) {
	st := inmemstore.New()
	dc := newContext(t, st, 1)

	_, err := dc.Step(context.Background(), "broken", func(context.Context) (any, error) {
		return nil, errors.New("boom")
	}, dctx.WithRetries(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step broken")

	// Nothing recorded for a failed step.
	_, err = st.GetStepResult(context.Background(), "exec-1", "broken")
	require.Error(t, err)
}

func TestStepTimeout(t *testing.T) {
	st := inmemstore.New()
	dc := newContext(t, st, 1)

	_, err := dc.Step(context.Background(), "slow", func(context.Context) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}, dctx.WithTimeout(10*time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step slow timed out")
}

func TestDuplicateStepIDIsDeterminismViolation(t *testing.T) {
	st := inmemstore.New()
	dc := newContext(t, st, 1)
	ctx := context.Background()

	_, err := dc.Step(ctx, "once", func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	_, err = dc.Step(ctx, "once", func(context.Context) (any, error) { return 2, nil })
	assert.True(t, api.IsCode(err, api.CodeDeterminismViolation))
}

func TestReservedStepIDRejected(t *testing.T) {
	st := inmemstore.New()
	dc := newContext(t, st, 1)

	for _, id := range []string{"__internal", "__sleep:0", "rollback:charge"} {
		_, err := dc.Step(context.Background(), id, func(context.Context) (any, error) { return nil, nil })
		assert.True(t, api.IsCode(err, api.CodeDeterminismViolation), "id %q", id)
	}
}

func TestSleepSuspendsThenPassesThrough(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()

	dc := newContext(t, st, 1)
	err := dc.Sleep(ctx, time.Minute)
	require.True(t, dctx.IsSuspension(err))

	// The slot and its timer are persisted.
	res, err := st.GetStepResult(ctx, "exec-1", "__sleep:0")
	require.NoError(t, err)
	assert.Equal(t, api.StepSleepScheduled, res.Value.Tag)
	timers, err := st.GetReadyTimers(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, api.TimerSleep, timers[0].Type)

	// Replay before the timer fires suspends again.
	dc2 := newContext(t, st, 2)
	err = dc2.Sleep(ctx, time.Minute)
	require.True(t, dctx.IsSuspension(err))

	// Once the poller completes the slot, replay passes through.
	res.Value = api.StepValue{Tag: api.StepSleepCompleted}
	require.NoError(t, st.SaveStepResult(ctx, res))
	dc3 := newContext(t, st, 3)
	require.NoError(t, dc3.Sleep(ctx, time.Minute))
}

func TestSleepExplicitStepID(t *testing.T) {
	st := inmemstore.New()
	dc := newContext(t, st, 1)

	err := dc.Sleep(context.Background(), time.Second, dctx.WithSleepStepID("cooldown"))
	require.True(t, dctx.IsSuspension(err))
	_, err = st.GetStepResult(context.Background(), "exec-1", "__sleep:cooldown")
	require.NoError(t, err)
}

func TestImplicitIDPolicyError(t *testing.T) {
	st := inmemstore.New()
	dc := dctx.New("exec-1", 1, dctx.Options{
		Store:       st,
		Audit:       audit.New(audit.Options{}),
		ImplicitIDs: dctx.PolicyError,
	})
	err := dc.Sleep(context.Background(), time.Second)
	assert.True(t, api.IsCode(err, api.CodeDeterminismViolation))
}

func TestImplicitSignalSlotPolicyError(t *testing.T) {
	st := inmemstore.New()
	dc := dctx.New("exec-1", 1, dctx.Options{
		Store:       st,
		Audit:       audit.New(audit.Options{}),
		ImplicitIDs: dctx.PolicyError,
	})
	ctx := context.Background()

	// The very first wait already relies on call order for its slot id.
	_, err := dc.WaitForSignal(ctx, "approval")
	assert.True(t, api.IsCode(err, api.CodeDeterminismViolation))

	_, err = dc.WaitForSignal(ctx, "approval", dctx.WithSignalStepID("first"))
	require.True(t, dctx.IsSuspension(err))
}

func TestWaitForSignalFirstEncounterSuspends(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()

	dc := newContext(t, st, 1)
	_, err := dc.WaitForSignal(ctx, "approval")
	require.True(t, dctx.IsSuspension(err))

	res, err := st.GetStepResult(ctx, "exec-1", "__signal:approval")
	require.NoError(t, err)
	assert.Equal(t, api.StepSignalWaiting, res.Value.Tag)
	assert.Equal(t, "approval", res.Value.SignalID)
	assert.Empty(t, res.Value.TimerID)
}

func TestWaitForSignalDeliveredPayload(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()
	require.NoError(t, st.SaveStepResult(ctx, &api.StepResult{
		ExecutionID: "exec-1",
		StepID:      "__signal:approval",
		Value: api.StepValue{
			Tag:      api.StepSignalCompleted,
			SignalID: "approval",
			Value:    api.Payload(`{"approved":true}`),
		},
	}))

	dc := newContext(t, st, 2)
	outcome, err := dc.WaitForSignal(ctx, "approval")
	require.NoError(t, err)
	assert.Equal(t, dctx.SignalDelivered, outcome.Kind)
	assert.JSONEq(t, `{"approved":true}`, string(outcome.Payload))
}

func TestWaitForSignalTimeoutOutcome(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()

	dc := newContext(t, st, 1)
	_, err := dc.WaitForSignal(ctx, "approval", dctx.WithSignalTimeout(time.Minute))
	require.True(t, dctx.IsSuspension(err))

	res, err := st.GetStepResult(ctx, "exec-1", "__signal:approval")
	require.NoError(t, err)
	require.NotNil(t, res.Value.TimeoutAt)
	require.NotEmpty(t, res.Value.TimerID)

	// Expired by the poller: with a timeout the caller gets an outcome.
	res.Value = api.StepValue{Tag: api.StepSignalTimedOut, SignalID: "approval"}
	require.NoError(t, st.SaveStepResult(ctx, res))
	dc2 := newContext(t, st, 2)
	outcome, err := dc2.WaitForSignal(ctx, "approval", dctx.WithSignalTimeout(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, dctx.SignalTimedOut, outcome.Kind)

	// Without a timeout the expiry surfaces as a coded error.
	dc3 := newContext(t, st, 3)
	_, err = dc3.WaitForSignal(ctx, "approval")
	assert.True(t, api.IsCode(err, api.CodeSignalTimeout))
}

func TestRepeatedWaitsUseNumberedSlots(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()
	for i, slot := range []string{"__signal:tick", "__signal:tick:1"} {
		require.NoError(t, st.SaveStepResult(ctx, &api.StepResult{
			ExecutionID: "exec-1",
			StepID:      slot,
			Value: api.StepValue{
				Tag:      api.StepSignalCompleted,
				SignalID: "tick",
				Value:    api.Payload(fmt.Sprintf(`{"n":%d}`, i)),
			},
		}))
	}

	dc := newContext(t, st, 1)
	first, err := dc.WaitForSignal(ctx, "tick")
	require.NoError(t, err)
	second, err := dc.WaitForSignal(ctx, "tick")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":0}`, string(first.Payload))
	assert.JSONEq(t, `{"n":1}`, string(second.Payload))
}

func TestSwitchRecordsDecisionAndReplays(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()

	evaluations := 0
	branches := []dctx.Branch{
		{
			ID:    "high",
			Match: func(v any) bool { evaluations++; return v.(int) > 100 },
			Run:   func(context.Context) (any, error) { return "manual-review", nil },
		},
		{
			ID:    "low",
			Match: func(v any) bool { evaluations++; return true },
			Run:   func(context.Context) (any, error) { return "auto-approve", nil },
		},
	}

	dc := newContext(t, st, 1)
	res, err := dc.Switch(ctx, "triage", 250, branches, nil)
	require.NoError(t, err)
	assert.Equal(t, "high", res.BranchID)
	assert.JSONEq(t, `"manual-review"`, string(res.Value))

	// Replay returns the recorded branch without re-evaluating predicates.
	before := evaluations
	dc2 := newContext(t, st, 2)
	res2, err := dc2.Switch(ctx, "triage", 5, branches, nil)
	require.NoError(t, err)
	assert.Equal(t, "high", res2.BranchID)
	assert.Equal(t, before, evaluations)
}

func TestSwitchNoMatchRecorded(t *testing.T) {
	st := inmemstore.New()
	dc := newContext(t, st, 1)

	res, err := dc.Switch(context.Background(), "route", "x", []dctx.Branch{
		{ID: "never", Match: func(any) bool { return false }},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, dctx.NoMatchBranchID, res.BranchID)
}

func TestEmitPublishesOncePerHistory(t *testing.T) {
	st := inmemstore.New()
	published := 0
	opts := dctx.Options{
		Store: st,
		Audit: audit.New(audit.Options{}),
		Emitter: func(context.Context, string, api.Payload) error {
			published++
			return nil
		},
	}

	dc := dctx.New("exec-1", 1, opts)
	require.NoError(t, dc.Emit(context.Background(), "order.created", map[string]string{"id": "o-1"}))
	require.Equal(t, 1, published)

	dc2 := dctx.New("exec-1", 2, opts)
	require.NoError(t, dc2.Emit(context.Background(), "order.created", map[string]string{"id": "o-1"}))
	assert.Equal(t, 1, published)
}

func TestRollbackRunsCompensationsInReverse(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()
	dc := newContext(t, st, 1)

	var order []string
	down := func(name string) dctx.DownFunc {
		return func(context.Context, api.Payload) error {
			order = append(order, name)
			return nil
		}
	}
	_, err := dc.Step(ctx, "reserve", func(context.Context) (any, error) { return "r", nil },
		dctx.WithCompensation(down("reserve")))
	require.NoError(t, err)
	_, err = dc.Step(ctx, "charge", func(context.Context) (any, error) { return "c", nil },
		dctx.WithCompensation(down("charge")))
	require.NoError(t, err)

	require.True(t, dc.HasCompensations())
	require.NoError(t, dc.RollbackCompensations(ctx))
	assert.Equal(t, []string{"charge", "reserve"}, order)

	// Rollback slots are durable: a second pass skips completed ones.
	require.NoError(t, dc.RollbackCompensations(ctx))
	assert.Equal(t, []string{"charge", "reserve"}, order)
}

func TestRollbackFailureIsCoded(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()
	dc := newContext(t, st, 1)

	_, err := dc.Step(ctx, "reserve", func(context.Context) (any, error) { return "r", nil },
		dctx.WithCompensation(func(context.Context, api.Payload) error {
			return errors.New("release failed")
		}))
	require.NoError(t, err)

	err = dc.RollbackCompensations(ctx)
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.CodeCompensationFailed))
	assert.Contains(t, err.Error(), "reserve")
}

func TestReplayedStepReregistersCompensation(t *testing.T) {
	st := inmemstore.New()
	ctx := context.Background()

	comp := func(ran *bool) dctx.DownFunc {
		return func(context.Context, api.Payload) error {
			*ran = true
			return nil
		}
	}

	dc := newContext(t, st, 1)
	var first bool
	_, err := dc.Step(ctx, "reserve", func(context.Context) (any, error) { return "r", nil },
		dctx.WithCompensation(comp(&first)))
	require.NoError(t, err)

	// Attempt 2 replays the step; its compensation must still be on the stack.
	dc2 := newContext(t, st, 2)
	var second bool
	_, err = dc2.Step(ctx, "reserve", func(context.Context) (any, error) { return "r", nil },
		dctx.WithCompensation(comp(&second)))
	require.NoError(t, err)
	require.NoError(t, dc2.RollbackCompensations(ctx))
	assert.True(t, second)
	assert.False(t, first)
}
