package durable_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/perdura/durable"
	"github.com/perdura/durable/api"
	"github.com/perdura/durable/dctx"
	"github.com/perdura/durable/execution"
	inmembus "github.com/perdura/durable/features/eventbus/inmem"
	inmemqueue "github.com/perdura/durable/features/queue/inmem"
	inmemstore "github.com/perdura/durable/features/store/inmem"
	"github.com/perdura/durable/store"
)

// newService builds an embedded-mode engine with fast polling so tests that
// cross a durable sleep or retry settle in tens of milliseconds.
func newService(t *testing.T, opts ...durable.Option) *durable.Service {
	t.Helper()
	base := []durable.Option{
		durable.WithStore(inmemstore.New()),
		durable.WithEventBus(inmembus.New()),
		durable.WithPollingInterval(10 * time.Millisecond),
		durable.WithWaitPollInterval(10 * time.Millisecond),
		durable.WithAudit(true),
	}
	svc, err := durable.New(append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func TestExecuteRoundTrip(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.Register("greet", func(ctx context.Context, dc *dctx.Context, input api.Payload) (api.Payload, error) {
		var name string
		require.NoError(t, json.Unmarshal(input, &name))
		greeting, err := dctx.Step(ctx, dc, "format", func(context.Context) (string, error) {
			return "hello " + name, nil
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(greeting)
	}))

	out, err := svc.Execute(context.Background(), "greet", api.Payload(`"world"`), execution.StartOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `"hello world"`, string(out))
}

func TestExecuteThroughQueue(t *testing.T) {
	svc := newService(t, durable.WithQueue(inmemqueue.New()))
	require.NoError(t, svc.Register("double", func(ctx context.Context, dc *dctx.Context, input api.Payload) (api.Payload, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return json.Marshal(2 * n)
	}))

	out, err := svc.Execute(context.Background(), "double", api.Payload(`21`), execution.StartOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(out))
}

func TestExecuteResumesAfterDurableSleep(t *testing.T) {
	svc := newService(t)
	attempts := 0
	require.NoError(t, svc.Register("nap", func(ctx context.Context, dc *dctx.Context, _ api.Payload) (api.Payload, error) {
		attempts++
		if err := dc.Sleep(ctx, 30*time.Millisecond); err != nil {
			return nil, err
		}
		return json.Marshal("rested")
	}))

	start := time.Now()
	out, err := svc.Execute(context.Background(), "nap", nil, execution.StartOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `"rested"`, string(out))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 2, attempts, "one attempt before the sleep, one replay after")
}

func TestSignalUnblocksWaitingExecution(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.Register("approval", func(ctx context.Context, dc *dctx.Context, _ api.Payload) (api.Payload, error) {
		outcome, err := dc.WaitForSignal(ctx, "approve")
		if err != nil {
			return nil, err
		}
		return outcome.Payload, nil
	}))
	ctx := context.Background()

	id, err := svc.StartExecution(ctx, "approval", nil, execution.StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := svc.GetExecution(ctx, id)
		return err == nil && exec.Status == api.ExecutionSleeping
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Signal(ctx, id, "approve", api.Payload(`{"by":"ops"}`)))

	out, err := svc.Wait(ctx, id, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"by":"ops"}`, string(out))
}

func TestFailureRollsBackAndSurfacesCode(t *testing.T) {
	svc := newService(t, durable.WithMaxAttempts(1))
	var compensated []string
	require.NoError(t, svc.Register("book-trip", func(ctx context.Context, dc *dctx.Context, _ api.Payload) (api.Payload, error) {
		if _, err := dc.Step(ctx, "reserve", func(context.Context) (any, error) {
			return "seat-12", nil
		}, dctx.WithCompensation(func(_ context.Context, v api.Payload) error {
			compensated = append(compensated, "reserve:"+string(v))
			return nil
		})); err != nil {
			return nil, err
		}
		if _, err := dc.Step(ctx, "charge", func(context.Context) (any, error) {
			return nil, assert.AnError
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}))

	_, err := svc.Execute(context.Background(), "book-trip", nil, execution.StartOptions{})
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.CodeExecutionFailed), "got %v", err)
	assert.Equal(t, []string{`reserve:"seat-12"`}, compensated)
}

func TestCancelWaitingExecution(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.Register("stalled", func(ctx context.Context, dc *dctx.Context, _ api.Payload) (api.Payload, error) {
		if _, err := dc.WaitForSignal(ctx, "never"); err != nil {
			return nil, err
		}
		return nil, nil
	}))
	ctx := context.Background()

	id, err := svc.StartExecution(ctx, "stalled", nil, execution.StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		exec, err := svc.GetExecution(ctx, id)
		return err == nil && exec.Status == api.ExecutionSleeping
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Cancel(ctx, id, "tenant offboarded"))

	_, err = svc.Wait(ctx, id, 2*time.Second)
	assert.True(t, api.IsCode(err, api.CodeExecutionCancelled), "got %v", err)
	assert.ErrorContains(t, err, "tenant offboarded")
}

func TestRetryExhaustionThenOperatorInspection(t *testing.T) {
	svc := newService(t)
	calls := 0
	require.NoError(t, svc.Register("flaky", func(ctx context.Context, dc *dctx.Context, _ api.Payload) (api.Payload, error) {
		calls++
		return nil, assert.AnError
	}))
	ctx := context.Background()

	_, err := svc.Execute(ctx, "flaky", nil, execution.StartOptions{MaxAttempts: 2})
	require.Error(t, err)
	assert.True(t, api.IsCode(err, api.CodeExecutionFailed), "got %v", err)
	assert.Equal(t, 2, calls)

	execs, err := svc.Operator().ListExecutions(ctx, store.ListOptions{Status: api.ExecutionFailed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, execs, 1)

	detail, err := svc.Operator().GetExecutionDetail(ctx, execs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Execution.Attempt)
	assert.NotEmpty(t, detail.Audit, "audit trail recorded the attempts")
}

func TestScheduleFiresExecution(t *testing.T) {
	svc := newService(t)
	fired := make(chan api.Payload, 4)
	require.NoError(t, svc.Register("tick", func(ctx context.Context, dc *dctx.Context, input api.Payload) (api.Payload, error) {
		fired <- input
		return nil, nil
	}))
	ctx := context.Background()

	id, err := svc.CreateSchedule(ctx, &api.Schedule{
		TaskID:  "tick",
		Type:    api.ScheduleInterval,
		Pattern: api.IntervalPattern(25 * time.Millisecond),
		Input:   api.Payload(`{"source":"cron"}`),
	})
	require.NoError(t, err)
	defer func() { _ = svc.RemoveSchedule(ctx, id) }()

	select {
	case input := <-fired:
		assert.JSONEq(t, `{"source":"cron"}`, string(input))
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}

	sched, err := svc.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, sched.LastRun)

	require.NoError(t, svc.PauseSchedule(ctx, id))
	paused, err := svc.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.SchedulePaused, paused.Status)
}

func TestIdempotentExecuteSharesExecution(t *testing.T) {
	svc := newService(t)
	runs := 0
	require.NoError(t, svc.Register("once", func(ctx context.Context, dc *dctx.Context, _ api.Payload) (api.Payload, error) {
		runs++
		return json.Marshal(runs)
	}))
	ctx := context.Background()

	opts := execution.StartOptions{IdempotencyKey: "order-7"}
	first, err := svc.Execute(ctx, "once", nil, opts)
	require.NoError(t, err)
	second, err := svc.Execute(ctx, "once", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, 1, runs)
}

func TestExecuteStrictDistinguishesEmptyResult(t *testing.T) {
	svc := newService(t)
	require.NoError(t, svc.Register("silent", func(ctx context.Context, dc *dctx.Context, _ api.Payload) (api.Payload, error) {
		return nil, nil
	}))
	ctx := context.Background()

	out, err := svc.Execute(ctx, "silent", nil, execution.StartOptions{})
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = svc.ExecuteStrict(ctx, "silent", nil, execution.StartOptions{})
	assert.True(t, api.IsCode(err, api.CodeCompletedWithoutResult), "got %v", err)
}
