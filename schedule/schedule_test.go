package schedule_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/durable/api"
	inmemstore "github.com/perdura/durable/features/store/inmem"
	"github.com/perdura/durable/schedule"
)

func newManager(st *inmemstore.Store, now func() time.Time) *schedule.Manager {
	return schedule.New(schedule.Options{Store: st, Now: now})
}

func pendingTimers(t *testing.T, st *inmemstore.Store) []*api.Timer {
	t.Helper()
	timers, err := st.GetReadyTimers(context.Background(), time.Now().Add(365*24*time.Hour))
	require.NoError(t, err)
	return timers
}

func TestCreateRecurringPersistsRowAndTimer(t *testing.T) {
	st := inmemstore.New()
	m := newManager(st, nil)
	ctx := context.Background()

	id, err := m.Create(ctx, &api.Schedule{
		TaskID:  "report",
		Type:    api.ScheduleInterval,
		Pattern: api.IntervalPattern(time.Hour),
		Input:   api.Payload(`{"kind":"daily"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sched, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.ScheduleActive, sched.Status)
	require.NotNil(t, sched.NextRun)

	timers := pendingTimers(t, st)
	require.Len(t, timers, 1)
	assert.Equal(t, schedule.ScheduleTimerID(id), timers[0].ID)
	assert.Equal(t, api.TimerScheduled, timers[0].Type)
	assert.Equal(t, id, timers[0].ScheduleID)
	assert.Equal(t, "report", timers[0].TaskID)
}

func TestCreateOnceArmsTimerOnly(t *testing.T) {
	st := inmemstore.New()
	m := newManager(st, nil)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	id, err := m.Create(ctx, &api.Schedule{
		TaskID:  "report",
		Type:    api.ScheduleOnce,
		Pattern: at,
		Input:   api.Payload(`{}`),
	})
	require.NoError(t, err)

	_, err = m.Get(ctx, id)
	require.Error(t, err, "one-off schedules have no row")

	timers := pendingTimers(t, st)
	require.Len(t, timers, 1)
	assert.Equal(t, schedule.OnceTimerID(id), timers[0].ID)
	assert.Empty(t, timers[0].ScheduleID, "one-off timers carry no schedule id")
}

func TestCreateRequiresTaskID(t *testing.T) {
	m := newManager(inmemstore.New(), nil)
	_, err := m.Create(context.Background(), &api.Schedule{
		Type: api.ScheduleInterval, Pattern: "1000",
	})
	require.Error(t, err)
}

func TestCreateRejectsInvalidPattern(t *testing.T) {
	m := newManager(inmemstore.New(), nil)
	for _, sched := range []*api.Schedule{
		{TaskID: "t", Type: api.ScheduleInterval, Pattern: "not-a-number"},
		{TaskID: "t", Type: api.ScheduleInterval, Pattern: "-5"},
		{TaskID: "t", Type: api.ScheduleCron, Pattern: "banana"},
		{TaskID: "t", Type: api.ScheduleOnce, Pattern: "tomorrow"},
		{TaskID: "t", Type: "weekly", Pattern: "1000"},
	} {
		_, err := m.Create(context.Background(), sched)
		assert.Error(t, err, "pattern %q", sched.Pattern)
	}
}

func TestNextFireInterval(t *testing.T) {
	m := newManager(inmemstore.New(), nil)
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, err := m.NextFire(&api.Schedule{
		Type: api.ScheduleInterval, Pattern: api.IntervalPattern(90 * time.Minute),
	}, from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(90*time.Minute), next)
}

func TestNextFireCron(t *testing.T) {
	m := newManager(inmemstore.New(), nil)
	from := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	// Daily at midnight.
	next, err := m.NextFire(&api.Schedule{Type: api.ScheduleCron, Pattern: "0 0 * * *"}, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), next)
}

func TestNextFireOnce(t *testing.T) {
	m := newManager(inmemstore.New(), nil)
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	next, err := m.NextFire(&api.Schedule{
		Type: api.ScheduleOnce, Pattern: at.Format(time.RFC3339),
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, at, next)
}

func TestPauseKeepsTimerResumeRearms(t *testing.T) {
	st := inmemstore.New()
	m := newManager(st, nil)
	ctx := context.Background()

	id, err := m.Create(ctx, &api.Schedule{
		TaskID: "report", Type: api.ScheduleInterval, Pattern: api.IntervalPattern(time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, id))
	sched, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.SchedulePaused, sched.Status)
	// The timer stays; the polling loop drops it on fire while paused.
	assert.Len(t, pendingTimers(t, st), 1)

	require.NoError(t, m.Resume(ctx, id))
	sched, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.ScheduleActive, sched.Status)
	timers := pendingTimers(t, st)
	require.Len(t, timers, 1, "resume replaces the pending row, not stacks another")
}

func TestUpdateRecomputesNextFire(t *testing.T) {
	st := inmemstore.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newManager(st, func() time.Time { return base })
	ctx := context.Background()

	id, err := m.Create(ctx, &api.Schedule{
		TaskID: "report", Type: api.ScheduleInterval, Pattern: api.IntervalPattern(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, m.Update(ctx, id, api.IntervalPattern(10*time.Minute), api.Payload(`{"v":2}`)))

	sched, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.IntervalPattern(10*time.Minute), sched.Pattern)
	assert.JSONEq(t, `{"v":2}`, string(sched.Input))
	require.NotNil(t, sched.NextRun)
	assert.Equal(t, base.Add(10*time.Minute), sched.NextRun.UTC())

	timers := pendingTimers(t, st)
	require.Len(t, timers, 1)
	assert.Equal(t, base.Add(10*time.Minute), timers[0].FireAt.UTC())
}

func TestAdvanceRecordsRunAndRearms(t *testing.T) {
	st := inmemstore.New()
	m := newManager(st, nil)
	ctx := context.Background()

	id, err := m.Create(ctx, &api.Schedule{
		TaskID: "report", Type: api.ScheduleInterval, Pattern: api.IntervalPattern(time.Hour),
	})
	require.NoError(t, err)
	sched, err := m.Get(ctx, id)
	require.NoError(t, err)

	firedAt := time.Now().UTC()
	require.NoError(t, m.Advance(ctx, sched, firedAt))

	updated, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, updated.LastRun)
	assert.Equal(t, firedAt, updated.LastRun.UTC())
	require.NotNil(t, updated.NextRun)
	assert.Equal(t, firedAt.Add(time.Hour), updated.NextRun.UTC())

	timers := pendingTimers(t, st)
	require.Len(t, timers, 1)
	assert.Equal(t, firedAt.Add(time.Hour), timers[0].FireAt.UTC())
}

func TestRemoveDeletesRowAndTimer(t *testing.T) {
	st := inmemstore.New()
	m := newManager(st, nil)
	ctx := context.Background()

	id, err := m.Create(ctx, &api.Schedule{
		TaskID: "report", Type: api.ScheduleInterval, Pattern: api.IntervalPattern(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, id))

	_, err = m.Get(ctx, id)
	require.Error(t, err)
	assert.Empty(t, pendingTimers(t, st))

	// Removing again (or removing a one-off) stays quiet.
	require.NoError(t, m.Remove(ctx, id))
}

func TestListReturnsAllSchedules(t *testing.T) {
	st := inmemstore.New()
	m := newManager(st, nil)
	ctx := context.Background()

	for _, task := range []string{"a", "b"} {
		_, err := m.Create(ctx, &api.Schedule{
			TaskID: task, Type: api.ScheduleInterval, Pattern: api.IntervalPattern(time.Hour),
		})
		require.NoError(t, err)
	}
	scheds, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, scheds, 2)
}
