// Package schedule manages recurring and one-off workflow triggers. Recurring
// schedules persist a Schedule row plus a single pending timer that the
// polling loop re-arms after every occurrence; one-off schedules are a bare
// timer carrying the task and input.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/perdura/durable/api"
	"github.com/perdura/durable/store"
	"github.com/perdura/durable/telemetry"
)

// ScheduleTimerID derives the timer id of a recurring schedule. One pending
// timer exists per schedule at any time.
func ScheduleTimerID(scheduleID string) string {
	return "schedule:" + scheduleID
}

// OnceTimerID derives the timer id of a one-off schedule.
func OnceTimerID(scheduleID string) string {
	return "once:" + scheduleID
}

type (
	// Options configures the schedule Manager.
	Options struct {
		Store  store.Store
		Logger telemetry.Logger
		// Now overrides the clock for tests.
		Now func() time.Time
	}

	// Manager creates, mutates, and advances schedules.
	Manager struct {
		store  store.Store
		logger telemetry.Logger
		now    func() time.Time
	}
)

// New constructs a schedule Manager.
func New(opts Options) *Manager {
	m := &Manager{
		store:  opts.Store,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Create registers a schedule and arms its first timer. A zero ID is
// assigned. One-off schedules produce only a timer; recurring schedules also
// persist a Schedule row the polling loop validates and advances.
func (m *Manager) Create(ctx context.Context, sched *api.Schedule) (string, error) {
	if sched.TaskID == "" {
		return "", errors.New("schedule task id is required")
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.Status = api.ScheduleActive

	now := m.now().UTC()
	next, err := m.NextFire(sched, now)
	if err != nil {
		return "", err
	}

	if sched.Type == api.ScheduleOnce {
		// One-off runs need no Schedule row; the timer carries everything.
		if err := m.store.CreateTimer(ctx, &api.Timer{
			ID:     OnceTimerID(sched.ID),
			Type:   api.TimerScheduled,
			FireAt: next,
			Status: api.TimerPending,
			TaskID: sched.TaskID,
			Input:  sched.Input,
		}); err != nil {
			return "", fmt.Errorf("arm one-off timer for schedule %s: %w", sched.ID, err)
		}
		return sched.ID, nil
	}

	sched.NextRun = &next
	if err := m.store.CreateSchedule(ctx, sched); err != nil {
		return "", fmt.Errorf("persist schedule %s: %w", sched.ID, err)
	}
	if err := m.armTimer(ctx, sched, next); err != nil {
		return "", err
	}
	return sched.ID, nil
}

// Get loads a schedule row.
func (m *Manager) Get(ctx context.Context, id string) (*api.Schedule, error) {
	return m.store.GetSchedule(ctx, id)
}

// List returns every schedule row.
func (m *Manager) List(ctx context.Context) ([]*api.Schedule, error) {
	return m.store.ListSchedules(ctx)
}

// Pause suspends a schedule. Its pending timer stays armed; the polling loop
// skips scheduled timers whose schedule is paused.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, api.SchedulePaused)
}

// Resume reactivates a paused schedule and re-arms its timer from now.
func (m *Manager) Resume(ctx context.Context, id string) error {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", id, err)
	}
	sched.Status = api.ScheduleActive
	next, err := m.NextFire(sched, m.now().UTC())
	if err != nil {
		return err
	}
	sched.NextRun = &next
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("update schedule %s: %w", id, err)
	}
	return m.armTimer(ctx, sched, next)
}

// Update replaces a schedule's pattern and input, recomputing the next fire.
func (m *Manager) Update(ctx context.Context, id, pattern string, input api.Payload) error {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", id, err)
	}
	sched.Pattern = pattern
	sched.Input = input
	next, err := m.NextFire(sched, m.now().UTC())
	if err != nil {
		return err
	}
	sched.NextRun = &next
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("update schedule %s: %w", id, err)
	}
	if sched.Status != api.ScheduleActive {
		return nil
	}
	return m.armTimer(ctx, sched, next)
}

// Remove deletes a schedule and its pending timer. Removing an unknown id is
// a no-op so one-off timers can be torn down with the same call.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.store.DeleteSchedule(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if err := m.store.DeleteTimer(ctx, ScheduleTimerID(id)); err != nil {
		return err
	}
	return m.store.DeleteTimer(ctx, OnceTimerID(id))
}

// Advance records a fired occurrence and arms the next one. The polling loop
// calls it after starting the scheduled execution so a crash between the two
// re-runs the occurrence rather than silently skipping it.
func (m *Manager) Advance(ctx context.Context, sched *api.Schedule, firedAt time.Time) error {
	next, err := m.NextFire(sched, firedAt)
	if err != nil {
		return err
	}
	sched.LastRun = &firedAt
	sched.NextRun = &next
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("advance schedule %s: %w", sched.ID, err)
	}
	return m.armTimer(ctx, sched, next)
}

// NextFire computes the next occurrence strictly after from.
func (m *Manager) NextFire(sched *api.Schedule, from time.Time) (time.Time, error) {
	switch sched.Type {
	case api.ScheduleInterval:
		d, err := api.ParseIntervalPattern(sched.Pattern)
		if err != nil {
			return time.Time{}, err
		}
		return from.Add(d), nil
	case api.ScheduleCron:
		spec, err := cron.ParseStandard(sched.Pattern)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron pattern %q: %w", sched.Pattern, err)
		}
		return spec.Next(from), nil
	case api.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, sched.Pattern)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid one-off pattern %q: %w", sched.Pattern, err)
		}
		return at.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", sched.Type)
	}
}

func (m *Manager) setStatus(ctx context.Context, id string, status api.ScheduleStatus) error {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("load schedule %s: %w", id, err)
	}
	sched.Status = status
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("update schedule %s: %w", id, err)
	}
	return nil
}

func (m *Manager) armTimer(ctx context.Context, sched *api.Schedule, fireAt time.Time) error {
	if err := m.store.CreateTimer(ctx, &api.Timer{
		ID:         ScheduleTimerID(sched.ID),
		Type:       api.TimerScheduled,
		FireAt:     fireAt,
		Status:     api.TimerPending,
		TaskID:     sched.TaskID,
		Input:      sched.Input,
		ScheduleID: sched.ID,
	}); err != nil {
		return fmt.Errorf("arm timer for schedule %s: %w", sched.ID, err)
	}
	return nil
}
