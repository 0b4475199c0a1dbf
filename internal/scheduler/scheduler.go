// ABOUTME: Recurring task scheduler persisting tasks and re-dispatching their commands.
// ABOUTME: Each enabled task owns one cron entry; firing re-reads the task before dispatching.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/coven-control/internal/keymutex"
	"github.com/2389/coven-control/internal/store"
)

var (
	// ErrInvalidTask is returned when a task spec fails validation.
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")
)

// Dispatcher runs a task's commands against its agent.
type Dispatcher func(ctx context.Context, agentID string, commands []string) error

// TaskSpec is the caller-supplied definition of a recurring task.
type TaskSpec struct {
	ID              string   `json:"id"`
	AgentID         string   `json:"agent_id"`
	Commands        []string `json:"commands"`
	IntervalMinutes int      `json:"interval_minutes"`
	Description     string   `json:"description,omitempty"`
}

// Validate checks the spec's required fields.
func (t TaskSpec) Validate() error {
	switch {
	case t.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	case t.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrInvalidTask)
	case len(t.Commands) == 0:
		return fmt.Errorf("%w: at least one command is required", ErrInvalidTask)
	case t.IntervalMinutes < 1:
		return fmt.Errorf("%w: interval_minutes must be at least 1", ErrInvalidTask)
	}
	for i, c := range t.Commands {
		if c == "" {
			return fmt.Errorf("%w: command %d is empty", ErrInvalidTask, i)
		}
	}
	return nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithIntervalUnit sets the length of one interval "minute". Defaults to time.Minute.
func WithIntervalUnit(d time.Duration) Option {
	return func(s *Scheduler) { s.unit = d }
}

// WithClock overrides the time source used for persisted run times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLocks shares a keyed mutex with other components.
func WithLocks(locks *keymutex.Mutex) Option {
	return func(s *Scheduler) { s.locks = locks }
}

// Scheduler runs tasks on fixed intervals.
type Scheduler struct {
	store    store.TaskStore
	dispatch Dispatcher
	cron     *cron.Cron
	locks    *keymutex.Mutex
	unit     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a Scheduler. Call Start to re-arm persisted tasks and begin firing.
func New(s store.TaskStore, dispatch Dispatcher, logger *slog.Logger, opts ...Option) *Scheduler {
	logger = logger.With("component", "scheduler")
	sched := &Scheduler{
		store:    s,
		dispatch: dispatch,
		unit:     time.Minute,
		now:      time.Now,
		logger:   logger,
		entries:  make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(sched)
	}
	if sched.locks == nil {
		sched.locks = keymutex.New()
	}

	cl := cronLogger{logger: logger}
	sched.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	return sched
}

func taskKey(id string) string { return "task-" + id }

func (s *Scheduler) interval(minutes int) time.Duration {
	return time.Duration(minutes) * s.unit
}

// AddTask creates or replaces a task, persists it enabled and arms its timer.
func (s *Scheduler) AddTask(ctx context.Context, spec TaskSpec) (*store.ScheduledTask, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return keymutex.Run(s.locks, taskKey(spec.ID), func() (*store.ScheduledTask, error) {
		s.disarm(spec.ID)

		now := s.now()
		next := now.Add(s.interval(spec.IntervalMinutes))
		task := &store.ScheduledTask{
			ID:              spec.ID,
			AgentID:         spec.AgentID,
			Commands:        append([]string(nil), spec.Commands...),
			IntervalMinutes: spec.IntervalMinutes,
			Description:     spec.Description,
			Enabled:         true,
			NextRunAt:       &next,
			CreatedAt:       now,
		}
		if err := s.store.SaveTask(ctx, task); err != nil {
			return nil, fmt.Errorf("saving task %s: %w", spec.ID, err)
		}

		s.arm(task)
		s.logger.Info("task scheduled",
			"task_id", task.ID,
			"agent_id", task.AgentID,
			"interval_minutes", task.IntervalMinutes,
			"commands", len(task.Commands),
		)
		return task, nil
	})
}

// RemoveTask disarms and deletes a task.
func (s *Scheduler) RemoveTask(ctx context.Context, id string) error {
	return s.locks.Do(taskKey(id), func() error {
		s.disarm(id)
		err := s.store.DeleteTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("deleting task %s: %w", id, err)
		}
		s.logger.Info("task removed", "task_id", id)
		return nil
	})
}

// EnableTask marks a task enabled and arms a fresh full interval.
func (s *Scheduler) EnableTask(ctx context.Context, id string) (*store.ScheduledTask, error) {
	return keymutex.Run(s.locks, taskKey(id), func() (*store.ScheduledTask, error) {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}

		next := s.now().Add(s.interval(task.IntervalMinutes))
		task.Enabled = true
		task.NextRunAt = &next
		if err := s.store.SaveTask(ctx, task); err != nil {
			return nil, fmt.Errorf("enabling task %s: %w", id, err)
		}

		s.disarm(id)
		s.arm(task)
		s.logger.Info("task enabled", "task_id", id)
		return task, nil
	})
}

// DisableTask marks a task disabled and disarms it. NextRunAt is left as is.
func (s *Scheduler) DisableTask(ctx context.Context, id string) (*store.ScheduledTask, error) {
	return keymutex.Run(s.locks, taskKey(id), func() (*store.ScheduledTask, error) {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}

		task.Enabled = false
		if err := s.store.SaveTask(ctx, task); err != nil {
			return nil, fmt.Errorf("disabling task %s: %w", id, err)
		}

		s.disarm(id)
		s.logger.Info("task disabled", "task_id", id)
		return task, nil
	})
}

// GetTask returns one persisted task.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*store.ScheduledTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns every persisted task.
func (s *Scheduler) ListTasks(ctx context.Context) ([]*store.ScheduledTask, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// Armed reports whether a task currently has a live timer.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Start re-arms every enabled persisted task and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return err
	}

	armed := 0
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		_ = s.locks.Do(taskKey(task.ID), func() error {
			s.disarm(task.ID)
			s.arm(task)
			return nil
		})
		armed++
	}

	s.mu.Lock()
	s.cron.Start()
	s.started = true
	s.mu.Unlock()

	s.logger.Info("scheduler started", "tasks", len(tasks), "armed", armed)
	return nil
}

// Stop halts firing and waits for running firings to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// arm registers a cron entry for task. Caller holds the task's key.
func (s *Scheduler) arm(task *store.ScheduledTask) {
	id := task.ID
	entry := s.cron.Schedule(fixedInterval{d: s.interval(task.IntervalMinutes)}, cron.FuncJob(func() {
		s.fire(id)
	}))

	s.mu.Lock()
	s.entries[id] = entry
	s.mu.Unlock()
}

// disarm removes a task's cron entry if it has one. Caller holds the task's key.
func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if ok {
		s.cron.Remove(entry)
	}
}

// fire runs one occurrence of a task. Dispatch errors are logged and the
// timer stays armed; there is no retry.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task_id", id)
		return
	}

	task, err := keymutex.Run(s.locks, taskKey(id), func() (*store.ScheduledTask, error) {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if !task.Enabled {
			return nil, nil
		}

		now := s.now()
		next := now.Add(s.interval(task.IntervalMinutes))
		task.LastRunAt = &now
		task.NextRunAt = &next
		if err := s.store.SaveTask(ctx, task); err != nil {
			return nil, fmt.Errorf("recording run: %w", err)
		}
		return task, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("fired task no longer exists", "task_id", id)
		return
	}
	if err != nil {
		s.logger.Error("task run bookkeeping failed", "task_id", id, "error", err)
		return
	}
	if task == nil {
		s.logger.Debug("skipping disabled task", "task_id", id)
		return
	}

	start := time.Now()
	if err := s.dispatch(ctx, task.AgentID, task.Commands); err != nil {
		s.logger.Warn("scheduled task failed",
			"task_id", id,
			"agent_id", task.AgentID,
			"error", err,
			"duration", time.Since(start),
		)
		return
	}
	s.logger.Info("scheduled task dispatched",
		"task_id", id,
		"agent_id", task.AgentID,
		"commands", len(task.Commands),
		"duration", time.Since(start),
	)
}
