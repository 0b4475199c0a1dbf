// ABOUTME: Per-agent dispatch queue with a pending/executing/completed/failed lifecycle.
// ABOUTME: Serializes queue mutation per agent and state transitions per command via keyed locks.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-control/internal/keymutex"
	"github.com/2389/coven-control/internal/store"
)

var (
	// ErrQueueEmpty is returned by NextPending when an agent has no pending command.
	ErrQueueEmpty = errors.New("queue is empty")

	// ErrCommandNotFound is returned when a command id is unknown.
	ErrCommandNotFound = errors.New("command not found")
)

// Transition describes the effect of a terminal state write.
type Transition struct {
	Command *store.QueuedCommand
	// Changed is false when the command was already in the requested state.
	Changed bool
	// Stale is set when a terminal command was overwritten by the other terminal state.
	Stale bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue persists commands per agent and drives their lifecycle.
// It knows nothing about agent liveness; callers consult the registry.
type Queue struct {
	store  store.QueueStore
	locks  *keymutex.Mutex
	now    func() time.Time
	logger *slog.Logger

	idMu      sync.Mutex
	lastStamp int64
}

// New creates a Queue. locks may be shared with other components; keys are namespaced.
func New(s store.QueueStore, locks *keymutex.Mutex, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:  s,
		locks:  locks,
		now:    time.Now,
		logger: logger.With("component", "queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func queueKey(agentID string) string { return "queue-" + agentID }
func commandKey(id string) string    { return "cmd-" + id }

// NewID returns {agentID}-{ms} where ms strictly increases for this queue instance.
func (q *Queue) NewID(agentID string) string {
	q.idMu.Lock()
	defer q.idMu.Unlock()

	stamp := q.now().UnixMilli()
	if stamp <= q.lastStamp {
		stamp = q.lastStamp + 1
	}
	q.lastStamp = stamp
	return fmt.Sprintf("%s-%d", agentID, stamp)
}

// Enqueue appends a pending command for agentID and returns its id.
func (q *Queue) Enqueue(ctx context.Context, agentID, command, prompt string) (string, error) {
	return keymutex.Run(q.locks, queueKey(agentID), func() (string, error) {
		id := q.NewID(agentID)
		return id, q.add(ctx, id, agentID, command, prompt)
	})
}

// EnqueueWithID appends a pending command under a caller-chosen id.
func (q *Queue) EnqueueWithID(ctx context.Context, id, agentID, command, prompt string) error {
	return q.locks.Do(queueKey(agentID), func() error {
		return q.add(ctx, id, agentID, command, prompt)
	})
}

func (q *Queue) add(ctx context.Context, id, agentID, command, prompt string) error {
	cmd := &store.QueuedCommand{
		ID:      id,
		AgentID: agentID,
		Command: command,
		Prompt:  prompt,
		Status:  store.StatusPending,
		AddedAt: q.now(),
	}
	if err := q.store.AddCommand(ctx, cmd); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	q.logger.Info("command queued", "agent_id", agentID, "command_id", id)
	return nil
}

// NextPending returns the oldest pending command without changing it.
func (q *Queue) NextPending(ctx context.Context, agentID string) (*store.QueuedCommand, error) {
	return keymutex.Run(q.locks, queueKey(agentID), func() (*store.QueuedCommand, error) {
		cmd, err := q.store.NextPendingCommand(ctx, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrQueueEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("next pending for %s: %w", agentID, err)
		}
		return cmd, nil
	})
}

// List returns the agent's commands in insertion order.
func (q *Queue) List(ctx context.Context, agentID string) ([]*store.QueuedCommand, error) {
	cmds, err := q.store.ListCommands(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing queue for %s: %w", agentID, err)
	}
	return cmds, nil
}

// Get returns one command.
func (q *Queue) Get(ctx context.Context, id string) (*store.QueuedCommand, error) {
	cmd, err := q.store.GetCommand(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting command %s: %w", id, err)
	}
	return cmd, nil
}

// MarkExecuting moves a pending command to executing. Commands in any other
// state are returned unchanged.
func (q *Queue) MarkExecuting(ctx context.Context, id string) (*store.QueuedCommand, error) {
	return keymutex.Run(q.locks, commandKey(id), func() (*store.QueuedCommand, error) {
		cmd, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cmd.Status != store.StatusPending {
			q.logger.Debug("ignoring executing transition", "command_id", id, "status", cmd.Status)
			return cmd, nil
		}

		now := q.now()
		cmd.Status = store.StatusExecuting
		cmd.ExecutedAt = &now
		if err := q.store.UpdateCommand(ctx, cmd); err != nil {
			return nil, fmt.Errorf("marking %s executing: %w", id, err)
		}
		return cmd, nil
	})
}

// MarkCompleted records a successful result.
func (q *Queue) MarkCompleted(ctx context.Context, id, result string) (*Transition, error) {
	return q.finish(ctx, id, store.StatusCompleted, result)
}

// MarkFailed records a failure reason. It is also the administrative cancel.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) (*Transition, error) {
	return q.finish(ctx, id, store.StatusFailed, reason)
}

func (q *Queue) finish(ctx context.Context, id string, status store.CommandStatus, payload string) (*Transition, error) {
	return keymutex.Run(q.locks, commandKey(id), func() (*Transition, error) {
		cmd, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if cmd.Status == status {
			return &Transition{Command: cmd}, nil
		}

		stale := cmd.Status.Terminal()
		if stale {
			q.logger.Warn("stale transition overwrites terminal state",
				"command_id", id,
				"from", cmd.Status,
				"to", status,
			)
		}

		now := q.now()
		cmd.Status = status
		cmd.Result = payload
		cmd.CompletedAt = &now
		if err := q.store.UpdateCommand(ctx, cmd); err != nil {
			return nil, fmt.Errorf("marking %s %s: %w", id, status, err)
		}

		q.logger.Info("command finished", "command_id", id, "agent_id", cmd.AgentID, "status", status)
		return &Transition{Command: cmd, Changed: true, Stale: stale}, nil
	})
}

// Clear removes every command for an agent and returns how many were removed.
func (q *Queue) Clear(ctx context.Context, agentID string) (int, error) {
	return keymutex.Run(q.locks, queueKey(agentID), func() (int, error) {
		n, err := q.store.ClearCommands(ctx, agentID)
		if err != nil {
			return 0, fmt.Errorf("clearing queue for %s: %w", agentID, err)
		}
		if n > 0 {
			q.logger.Info("queue cleared", "agent_id", agentID, "removed", n)
		}
		return n, nil
	})
}

// Stats counts the agent's commands by status.
func (q *Queue) Stats(ctx context.Context, agentID string) (*store.QueueStats, error) {
	stats, err := q.store.CommandStats(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("queue stats for %s: %w", agentID, err)
	}
	return stats, nil
}
