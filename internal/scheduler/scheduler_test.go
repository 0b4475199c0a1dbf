package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-control/internal/store"
)

type dispatchCall struct {
	agentID  string
	commands []string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
	fired chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{fired: make(chan struct{}, 16)}
}

func (d *recordingDispatcher) dispatch(_ context.Context, agentID string, commands []string) error {
	d.mu.Lock()
	d.calls = append(d.calls, dispatchCall{agentID: agentID, commands: commands})
	err := d.err
	d.mu.Unlock()

	select {
	case d.fired <- struct{}{}:
	default:
	}
	return err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *recordingDispatcher) waitFire(t *testing.T) {
	t.Helper()
	select {
	case <-d.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}
}

func newTestScheduler(t *testing.T, s store.TaskStore, d *recordingDispatcher, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithIntervalUnit(20 * time.Millisecond)}, opts...)
	sched := New(s, d.dispatch, slog.Default(), opts...)
	t.Cleanup(sched.Stop)
	return sched
}

func TestTaskSpecValidate(t *testing.T) {
	valid := TaskSpec{ID: "t1", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 5}

	tests := []struct {
		name   string
		mutate func(*TaskSpec)
		ok     bool
	}{
		{"valid", func(*TaskSpec) {}, true},
		{"missing id", func(s *TaskSpec) { s.ID = "" }, false},
		{"missing agent", func(s *TaskSpec) { s.AgentID = "" }, false},
		{"no commands", func(s *TaskSpec) { s.Commands = nil }, false},
		{"empty command", func(s *TaskSpec) { s.Commands = []string{"dir", ""} }, false},
		{"zero interval", func(s *TaskSpec) { s.IntervalMinutes = 0 }, false},
		{"negative interval", func(s *TaskSpec) { s.IntervalMinutes = -3 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			spec.Commands = append([]string(nil), valid.Commands...)
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTask)
			}
		})
	}
}

func TestAddTask(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewMockStore()
	sched := newTestScheduler(t, s, newRecordingDispatcher(),
		WithIntervalUnit(time.Minute),
		WithClock(func() time.Time { return fixed }),
	)
	ctx := context.Background()

	task, err := sched.AddTask(ctx, TaskSpec{
		ID:              "health",
		AgentID:         "desk",
		Commands:        []string{"systeminfo", "ver"},
		IntervalMinutes: 15,
		Description:     "health check",
	})
	require.NoError(t, err)
	assert.True(t, task.Enabled)
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, fixed.Add(15*time.Minute), *task.NextRunAt)
	assert.Nil(t, task.LastRunAt)
	assert.True(t, sched.Armed("health"))

	stored, err := s.GetTask(ctx, "health")
	require.NoError(t, err)
	assert.Equal(t, []string{"systeminfo", "ver"}, stored.Commands)
	assert.Equal(t, "health check", stored.Description)

	_, err = sched.AddTask(ctx, TaskSpec{ID: "bad", AgentID: "desk"})
	assert.ErrorIs(t, err, ErrInvalidTask)
	assert.False(t, sched.Armed("bad"))
}

func TestAddTask_Replaces(t *testing.T) {
	s := store.NewMockStore()
	sched := newTestScheduler(t, s, newRecordingDispatcher())
	ctx := context.Background()

	_, err := sched.AddTask(ctx, TaskSpec{ID: "t", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 5})
	require.NoError(t, err)
	_, err = sched.AddTask(ctx, TaskSpec{ID: "t", AgentID: "laptop", Commands: []string{"ver"}, IntervalMinutes: 10})
	require.NoError(t, err)

	tasks, err := sched.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "laptop", tasks[0].AgentID)
	assert.Equal(t, 10, tasks[0].IntervalMinutes)
	assert.Len(t, sched.cron.Entries(), 1)
}

func TestRemoveTask(t *testing.T) {
	s := store.NewMockStore()
	sched := newTestScheduler(t, s, newRecordingDispatcher())
	ctx := context.Background()

	_, err := sched.AddTask(ctx, TaskSpec{ID: "t", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 5})
	require.NoError(t, err)

	require.NoError(t, sched.RemoveTask(ctx, "t"))
	assert.False(t, sched.Armed("t"))
	assert.Empty(t, sched.cron.Entries())

	_, err = sched.GetTask(ctx, "t")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	err = sched.RemoveTask(ctx, "t")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDisableEnable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewMockStore()
	sched := newTestScheduler(t, s, newRecordingDispatcher(),
		WithIntervalUnit(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	_, err := sched.AddTask(ctx, TaskSpec{ID: "t", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 5})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	task, err := sched.DisableTask(ctx, "t")
	require.NoError(t, err)
	assert.False(t, task.Enabled)
	assert.False(t, sched.Armed("t"))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), *task.NextRunAt, "disable leaves next run alone")

	now = now.Add(10 * time.Minute)
	task, err = sched.EnableTask(ctx, "t")
	require.NoError(t, err)
	assert.True(t, task.Enabled)
	assert.True(t, sched.Armed("t"))
	assert.Equal(t, now.Add(5*time.Minute), *task.NextRunAt, "enable restarts a full interval")

	_, err = sched.EnableTask(ctx, "ghost")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = sched.DisableTask(ctx, "ghost")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFiring(t *testing.T) {
	s := store.NewMockStore()
	d := newRecordingDispatcher()
	sched := newTestScheduler(t, s, d)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	_, err := sched.AddTask(ctx, TaskSpec{ID: "t", AgentID: "desk", Commands: []string{"dir", "ver"}, IntervalMinutes: 1})
	require.NoError(t, err)

	d.waitFire(t)
	d.waitFire(t)

	d.mu.Lock()
	first := d.calls[0]
	d.mu.Unlock()
	assert.Equal(t, "desk", first.agentID)
	assert.Equal(t, []string{"dir", "ver"}, first.commands)

	task, err := sched.GetTask(ctx, "t")
	require.NoError(t, err)
	require.NotNil(t, task.LastRunAt)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.After(*task.LastRunAt))
}

func TestFiring_ErrorKeepsTimerArmed(t *testing.T) {
	s := store.NewMockStore()
	d := newRecordingDispatcher()
	d.err = errors.New("agent desk is not connected")
	sched := newTestScheduler(t, s, d)
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	_, err := sched.AddTask(ctx, TaskSpec{ID: "t", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 1})
	require.NoError(t, err)

	d.waitFire(t)
	d.waitFire(t)
	assert.True(t, sched.Armed("t"))
}

func TestFiring_DisabledSkipped(t *testing.T) {
	s := store.NewMockStore()
	d := newRecordingDispatcher()
	sched := newTestScheduler(t, s, d)
	ctx := context.Background()

	_, err := sched.AddTask(ctx, TaskSpec{ID: "t", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 1})
	require.NoError(t, err)
	_, err = sched.DisableTask(ctx, "t")
	require.NoError(t, err)

	require.NoError(t, sched.Start(ctx))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, d.count())
}

func TestFiring_DisableAfterFirstRun(t *testing.T) {
	s := store.NewMockStore()
	d := newRecordingDispatcher()
	sched := newTestScheduler(t, s, d, WithIntervalUnit(150*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	_, err := sched.AddTask(ctx, TaskSpec{ID: "t", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 1})
	require.NoError(t, err)
	assert.Zero(t, d.count(), "nothing runs before the first interval")

	d.waitFire(t)
	_, err = sched.DisableTask(ctx, "t")
	require.NoError(t, err)
	assert.False(t, sched.Armed("t"))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, d.count())

	task, err := sched.GetTask(ctx, "t")
	require.NoError(t, err)
	assert.False(t, task.Enabled)
	require.NotNil(t, task.LastRunAt)
	require.NotNil(t, task.NextRunAt)
}

func TestFire_SkipsStaleEntries(t *testing.T) {
	s := store.NewMockStore()
	d := newRecordingDispatcher()
	sched := newTestScheduler(t, s, d)
	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	// an entry that outlived its task
	sched.fire("ghost")

	// a disabled task whose timer raced the disable
	require.NoError(t, s.SaveTask(ctx, &store.ScheduledTask{
		ID: "off", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 1, CreatedAt: time.Now(),
	}))
	sched.fire("off")

	assert.Zero(t, d.count())
}

func TestStart_RearmsPersistedTasks(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.SaveTask(ctx, &store.ScheduledTask{
		ID: "on", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 1, Enabled: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveTask(ctx, &store.ScheduledTask{
		ID: "off", AgentID: "desk", Commands: []string{"dir"}, IntervalMinutes: 1, CreatedAt: time.Now(),
	}))

	d := newRecordingDispatcher()
	sched := newTestScheduler(t, s, d)
	require.NoError(t, sched.Start(ctx))

	assert.True(t, sched.Armed("on"))
	assert.False(t, sched.Armed("off"))

	d.waitFire(t)
	d.mu.Lock()
	assert.Equal(t, "desk", d.calls[0].agentID)
	d.mu.Unlock()
}

func TestStopIsIdempotent(t *testing.T) {
	sched := newTestScheduler(t, store.NewMockStore(), newRecordingDispatcher())
	sched.Stop()
	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Start(context.Background()))
	sched.Stop()
	sched.Stop()
}

func TestFixedInterval(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 123, time.UTC)
	sched := fixedInterval{d: 90 * time.Second}
	assert.Equal(t, base.Add(90*time.Second), sched.Next(base))
}

func TestTemplates(t *testing.T) {
	tmpls := Templates()
	require.Len(t, tmpls, 4)

	byID := make(map[string]Template)
	for _, tmpl := range tmpls {
		byID[tmpl.ID] = tmpl
	}
	assert.Equal(t, 1440, byID["dailyHealthCheck"].IntervalMinutes)
	assert.Equal(t, 60, byID["hourlyNetworkCheck"].IntervalMinutes)
	assert.Equal(t, 720, byID["securityAudit"].IntervalMinutes)
	assert.Equal(t, 180, byID["diskSpaceMonitor"].IntervalMinutes)
	assert.Equal(t, []string{"diskSpace"}, byID["diskSpaceMonitor"].Commands)

	// callers get copies
	tmpls[0].Commands[0] = "changed"
	assert.NotEqual(t, "changed", Templates()[0].Commands[0])
}
