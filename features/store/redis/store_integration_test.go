package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcwait "github.com/testcontainers/testcontainers-go/wait"

	"github.com/perdura/durable/api"
	clientsredis "github.com/perdura/durable/features/store/redis/clients/redis"
	"github.com/perdura/durable/store"
)

var (
	testRedisClient    *goredis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   tcwait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = goredis.NewClient(&goredis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getStore returns a Store over the shared container, flushing the database
// for test isolation. Skips when Docker is unavailable or -short is set.
func getStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	client, err := clientsredis.New(clientsredis.Options{Client: testRedisClient})
	require.NoError(t, err)
	st, err := New(client)
	require.NoError(t, err)
	return st
}

func TestExecutionRoundTrip(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	exec := &api.Execution{
		ID: "exec-1", TaskID: "orders", Input: api.Payload(`{"n":1}`),
		Status: api.ExecutionPending, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.SaveExecution(ctx, exec))

	got, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "orders", got.TaskID)
	assert.Equal(t, api.ExecutionPending, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Input))

	got.Status = api.ExecutionRunning
	got.Attempt = 1
	require.NoError(t, st.UpdateExecution(ctx, got))
	got, err = st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionRunning, got.Status)

	_, err = st.GetExecution(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, st.UpdateExecution(ctx, &api.Execution{ID: "ghost"}), store.ErrNotFound)
}

func TestIncompleteIndexFollowsStatus(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, row := range []struct {
		id     string
		status api.ExecutionStatus
	}{
		{"a", api.ExecutionRunning},
		{"b", api.ExecutionSleeping},
		{"c", api.ExecutionCompleted},
	} {
		require.NoError(t, st.SaveExecution(ctx, &api.Execution{
			ID: row.id, TaskID: "t", Status: row.status, CreatedAt: now, UpdatedAt: now,
		}))
	}

	incomplete, err := st.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 2)

	// Completing an execution drops it from the index.
	exec, err := st.GetExecution(ctx, "a")
	require.NoError(t, err)
	exec.Status = api.ExecutionCompleted
	require.NoError(t, st.UpdateExecution(ctx, exec))

	incomplete, err = st.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "b", incomplete[0].ID)
}

func TestStepResultsHash(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	_, err := st.GetStepResult(ctx, "exec-1", "charge")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.SaveStepResult(ctx, &api.StepResult{
		ExecutionID: "exec-1", StepID: "charge",
		Value:      api.StepValue{Tag: api.StepOpaque, Value: api.Payload(`{"amount":5}`)},
		RecordedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.SaveStepResult(ctx, &api.StepResult{
		ExecutionID: "exec-1", StepID: "__signal:approval",
		Value:      api.StepValue{Tag: api.StepSignalWaiting, SignalID: "approval"},
		RecordedAt: time.Now().UTC(),
	}))

	res, err := st.GetStepResult(ctx, "exec-1", "charge")
	require.NoError(t, err)
	assert.Equal(t, api.StepOpaque, res.Value.Tag)
	assert.JSONEq(t, `{"amount":5}`, string(res.Value.Value))

	all, err := st.ListStepResults(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "__signal:approval", all[0].StepID)
	assert.Equal(t, "charge", all[1].StepID)
}

func TestTimerLifecycle(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateTimer(ctx, &api.Timer{
		ID: "sleep:e:s", Type: api.TimerSleep, Status: api.TimerPending,
		FireAt: now.Add(-time.Second), ExecutionID: "e", StepID: "s",
	}))
	require.NoError(t, st.CreateTimer(ctx, &api.Timer{
		ID: "retry:e:1", Type: api.TimerRetry, Status: api.TimerPending,
		FireAt: now.Add(time.Hour), ExecutionID: "e",
	}))

	ready, err := st.GetReadyTimers(ctx, now)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "sleep:e:s", ready[0].ID)

	// Re-creating the same id replaces the pending row.
	require.NoError(t, st.CreateTimer(ctx, &api.Timer{
		ID: "sleep:e:s", Type: api.TimerSleep, Status: api.TimerPending,
		FireAt: now.Add(time.Hour), ExecutionID: "e", StepID: "s",
	}))
	ready, err = st.GetReadyTimers(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, st.MarkTimerFired(ctx, "retry:e:1"))
	ready, err = st.GetReadyTimers(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, ready, 1, "fired timers drop out of the pending index")

	require.NoError(t, st.DeleteTimer(ctx, "sleep:e:s"))
	ready, err = st.GetReadyTimers(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ready)

	assert.ErrorIs(t, st.MarkTimerFired(ctx, "ghost"), store.ErrNotFound)
}

func TestTimerClaims(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateTimer(ctx, &api.Timer{
		ID: "t-1", Type: api.TimerSleep, Status: api.TimerPending,
		FireAt: time.Now(), ExecutionID: "e",
	}))

	claimed, err := st.ClaimTimer(ctx, "t-1", "worker-a", time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Another worker is locked out; the holder can re-claim.
	claimed, err = st.ClaimTimer(ctx, "t-1", "worker-b", time.Second)
	require.NoError(t, err)
	assert.False(t, claimed)
	claimed, err = st.ClaimTimer(ctx, "t-1", "worker-a", time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Re-creating the timer clears the claim.
	require.NoError(t, st.CreateTimer(ctx, &api.Timer{
		ID: "t-1", Type: api.TimerSleep, Status: api.TimerPending,
		FireAt: time.Now(), ExecutionID: "e",
	}))
	claimed, err = st.ClaimTimer(ctx, "t-1", "worker-b", time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestLockCompareAndDelete(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	ok, err := st.AcquireLock(ctx, "res", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.AcquireLock(ctx, "res", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stranger's release is a no-op.
	require.NoError(t, st.ReleaseLock(ctx, "res", "holder-2"))
	ok, err = st.AcquireLock(ctx, "res", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	renewed, err := st.RenewLock(ctx, "res", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)
	renewed, err = st.RenewLock(ctx, "res", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	require.NoError(t, st.ReleaseLock(ctx, "res", "holder-1"))
	ok, err = st.AcquireLock(ctx, "res", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyFirstWriterWins(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	id, err := st.GetExecutionIDByIdempotencyKey(ctx, "orders", "k1")
	require.NoError(t, err)
	assert.Empty(t, id)

	claimed, err := st.SetExecutionIDByIdempotencyKey(ctx, "orders", "k1", "exec-1")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = st.SetExecutionIDByIdempotencyKey(ctx, "orders", "k1", "exec-2")
	require.NoError(t, err)
	assert.False(t, claimed)

	id, err = st.GetExecutionIDByIdempotencyKey(ctx, "orders", "k1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", id)

	// Keys are scoped per task.
	claimed, err = st.SetExecutionIDByIdempotencyKey(ctx, "refunds", "k1", "exec-3")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestScheduleRoundTrip(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	sched := &api.Schedule{
		ID: "sched-1", TaskID: "report", Type: api.ScheduleInterval,
		Pattern: "3600000", Status: api.ScheduleActive, NextRun: &next,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	got, err := st.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "report", got.TaskID)
	require.NotNil(t, got.NextRun)

	got.Status = api.SchedulePaused
	require.NoError(t, st.UpdateSchedule(ctx, got))
	active, err := st.ListActiveSchedules(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, st.DeleteSchedule(ctx, "sched-1"))
	assert.ErrorIs(t, st.DeleteSchedule(ctx, "sched-1"), store.ErrNotFound)
}

func TestAuditTrailOrdering(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendAuditEntry(ctx, &api.AuditEntry{
			ID:          fmt.Sprintf("%d:entry", i),
			ExecutionID: "exec-1",
			At:          time.Now().UTC(),
			Kind:        api.AuditNote,
			Fields:      map[string]any{"seq": i},
		}))
	}
	entries, err := st.ListAuditEntries(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "0:entry", entries[0].ID)
	assert.Equal(t, "2:entry", entries[2].ID)
}

func TestOperatorEdits(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SaveExecution(ctx, &api.Execution{
		ID: "exec-1", TaskID: "t", Status: api.ExecutionCompensationFailed,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, st.SaveStepResult(ctx, &api.StepResult{
		ExecutionID: "exec-1", StepID: "charge", Value: api.StepValue{Tag: api.StepOpaque},
	}))
	require.NoError(t, st.SaveStepResult(ctx, &api.StepResult{
		ExecutionID: "exec-1", StepID: "rollback:charge", Value: api.StepValue{Tag: api.StepOpaque},
	}))

	require.NoError(t, st.RetryRollback(ctx, "exec-1"))
	_, err := st.GetStepResult(ctx, "exec-1", "rollback:charge")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetStepResult(ctx, "exec-1", "charge")
	require.NoError(t, err)

	require.NoError(t, st.SkipStep(ctx, "exec-1", "ship", api.Payload(`"skipped"`)))
	res, err := st.GetStepResult(ctx, "exec-1", "ship")
	require.NoError(t, err)
	assert.JSONEq(t, `"skipped"`, string(res.Value.Value))

	require.NoError(t, st.EditStepResult(ctx, "exec-1", "charge", api.StepValue{
		Tag: api.StepOpaque, Value: api.Payload(`"fixed"`),
	}))
	res, err = st.GetStepResult(ctx, "exec-1", "charge")
	require.NoError(t, err)
	assert.JSONEq(t, `"fixed"`, string(res.Value.Value))

	require.NoError(t, st.ForceFail(ctx, "exec-1", "operator gave up"))
	exec, err := st.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionFailed, exec.Status)
	require.NotNil(t, exec.CompletedAt)
}

func TestListExecutionsFilterAndPage(t *testing.T) {
	st := getStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		status := api.ExecutionCompleted
		if i%2 == 0 {
			status = api.ExecutionFailed
		}
		require.NoError(t, st.SaveExecution(ctx, &api.Execution{
			ID: fmt.Sprintf("exec-%d", i), TaskID: "orders", Status: status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	failed, err := st.ListExecutions(ctx, store.ListOptions{Status: api.ExecutionFailed})
	require.NoError(t, err)
	require.Len(t, failed, 3)
	assert.Equal(t, "exec-4", failed[0].ID, "newest first")

	page, err := st.ListExecutions(ctx, store.ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "exec-3", page[0].ID)
}
