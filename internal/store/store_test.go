// ABOUTME: Behavior tests run against both SQLiteStore and MockStore
// ABOUTME: Keeps the in-memory store honest about matching SQLite semantics

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s := newTestStore(t)
		defer s.Close()
		fn(t, s)
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

func queued(id, agentID, command string) *QueuedCommand {
	return &QueuedCommand{
		ID:      id,
		AgentID: agentID,
		Command: command,
		Status:  StatusPending,
		AddedAt: time.Now().UTC(),
	}
}

func TestQueueStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AddCommand(ctx, queued("a-1", "a", "dir")))
		require.NoError(t, s.AddCommand(ctx, queued("a-2", "a", "ipconfig")))
		require.NoError(t, s.AddCommand(ctx, queued("b-1", "b", "whoami")))

		assert.ErrorIs(t, s.AddCommand(ctx, queued("a-1", "a", "dir")), ErrDuplicate)

		cmds, err := s.ListCommands(ctx, "a")
		require.NoError(t, err)
		require.Len(t, cmds, 2)
		assert.Equal(t, "a-1", cmds[0].ID)
		assert.Equal(t, "a-2", cmds[1].ID)

		next, err := s.NextPendingCommand(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a-1", next.ID)

		now := time.Now().UTC()
		next.Status = StatusCompleted
		next.Result = `{"success":true}`
		next.ExecutedAt = &now
		next.CompletedAt = &now
		require.NoError(t, s.UpdateCommand(ctx, next))

		got, err := s.GetCommand(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, `{"success":true}`, got.Result)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(now))

		next, err = s.NextPendingCommand(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a-2", next.ID)

		stats, err := s.CommandStats(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, QueueStats{Total: 2, Pending: 1, Completed: 1}, *stats)

		removed, err := s.ClearCommands(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		_, err = s.NextPendingCommand(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetCommand(ctx, "a-1")
		assert.ErrorIs(t, err, ErrNotFound)

		// other agents are untouched
		cmds, err = s.ListCommands(ctx, "b")
		require.NoError(t, err)
		assert.Len(t, cmds, 1)

		assert.ErrorIs(t, s.UpdateCommand(ctx, queued("missing", "a", "x")), ErrNotFound)
	})
}

func TestTaskStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Now().UTC()

		task := &ScheduledTask{
			ID:              "task-1",
			AgentID:         "a",
			Commands:        []string{"dir", "ipconfig"},
			IntervalMinutes: 5,
			Description:     "inventory",
			Enabled:         true,
			CreatedAt:       created,
		}
		require.NoError(t, s.SaveTask(ctx, task))

		got, err := s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"dir", "ipconfig"}, got.Commands)
		assert.Equal(t, 5, got.IntervalMinutes)
		assert.True(t, got.Enabled)
		assert.Nil(t, got.LastRunAt)

		ran := created.Add(5 * time.Minute)
		next := ran.Add(5 * time.Minute)
		got.Enabled = false
		got.LastRunAt = &ran
		got.NextRunAt = &next
		require.NoError(t, s.SaveTask(ctx, got))

		got, err = s.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		require.NotNil(t, got.LastRunAt)
		assert.True(t, got.LastRunAt.Equal(ran))
		assert.True(t, got.CreatedAt.Equal(created))

		require.NoError(t, s.SaveTask(ctx, &ScheduledTask{
			ID: "task-2", AgentID: "b", Commands: []string{"whoami"}, IntervalMinutes: 1,
			Enabled: true, CreatedAt: created.Add(time.Second),
		}))

		tasks, err := s.ListTasks(ctx)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "task-1", tasks[0].ID)
		assert.Equal(t, "task-2", tasks[1].ID)

		require.NoError(t, s.DeleteTask(ctx, "task-1"))
		assert.ErrorIs(t, s.DeleteTask(ctx, "task-1"), ErrNotFound)
		_, err = s.GetTask(ctx, "task-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGroupStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateGroup(ctx, &Group{Name: "web", Description: "web servers", CreatedAt: time.Now()}))
		require.NoError(t, s.CreateGroup(ctx, &Group{Name: "db", CreatedAt: time.Now()}))
		assert.ErrorIs(t, s.CreateGroup(ctx, &Group{Name: "web", CreatedAt: time.Now()}), ErrDuplicate)

		require.NoError(t, s.AddGroupMember(ctx, "web", "a"))
		require.NoError(t, s.AddGroupMember(ctx, "web", "b"))
		require.NoError(t, s.AddGroupMember(ctx, "web", "a"))
		require.NoError(t, s.AddGroupMember(ctx, "db", "a"))
		assert.ErrorIs(t, s.AddGroupMember(ctx, "missing", "a"), ErrNotFound)

		members, err := s.ListGroupMembers(ctx, "web")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, members)

		groups, err := s.ListAgentGroups(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"db", "web"}, groups)

		g, err := s.GetGroup(ctx, "web")
		require.NoError(t, err)
		assert.Equal(t, "web servers", g.Description)
		assert.Equal(t, 2, g.MemberCount)

		all, err := s.ListGroups(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "db", all[0].Name)
		assert.Equal(t, 1, all[0].MemberCount)

		require.NoError(t, s.RemoveGroupMember(ctx, "web", "b"))
		assert.ErrorIs(t, s.RemoveGroupMember(ctx, "web", "b"), ErrNotFound)

		require.NoError(t, s.DeleteGroup(ctx, "web"))
		assert.ErrorIs(t, s.DeleteGroup(ctx, "web"), ErrNotFound)

		groups, err = s.ListAgentGroups(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"db"}, groups)
	})
}

func TestHistoryStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC()

		entries := []*HistoryEntry{
			{AgentID: "a", Prompt: "show disk usage", Command: "dir", Success: true, Output: "C:\\", CreatedAt: base},
			{AgentID: "a", Command: "ipconfig", Success: false, Output: "denied", CreatedAt: base.Add(time.Second)},
			{AgentID: "b", Command: "whoami", Success: true, Output: "admin", CreatedAt: base.Add(2 * time.Second)},
		}
		for _, e := range entries {
			require.NoError(t, s.AddHistory(ctx, e))
			assert.NotEmpty(t, e.ID)
		}

		list, err := s.ListHistory(ctx, "a", 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "ipconfig", list[0].Command)
		assert.Equal(t, "dir", list[1].Command)

		list, err = s.ListHistory(ctx, "", 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "whoami", list[0].Command)

		found, err := s.SearchHistory(ctx, "disk", 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "dir", found[0].Command)

		found, err = s.SearchHistory(ctx, "100%", 10)
		require.NoError(t, err)
		assert.Empty(t, found)

		stats, err := s.HistoryStats(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.Successful)
		assert.Equal(t, 1, stats.Failed)
		assert.InDelta(t, 50.0, stats.SuccessRate, 0.001)
		require.NotNil(t, stats.LastExecution)
		assert.True(t, stats.LastExecution.Equal(base.Add(time.Second)))

		stats, err = s.HistoryStats(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Total)
		assert.Zero(t, stats.SuccessRate)
		assert.Nil(t, stats.LastExecution)
	})
}

func TestNotificationStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			channel := "agent.connected"
			if i%2 == 1 {
				channel = "command.failed"
			}
			require.NoError(t, s.SaveNotification(ctx, &Notification{
				Channel: channel,
				Data:    []byte(fmt.Sprintf(`{"n":%d}`, i)),
			}))
		}

		list, err := s.ListNotifications(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, list, 5)
		assert.JSONEq(t, `{"n":4}`, string(list[0].Data))

		list, err = s.ListNotifications(ctx, "command.failed", 10)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.PruneNotifications(ctx, 3))
		list, err = s.ListNotifications(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.JSONEq(t, `{"n":2}`, string(list[2].Data))

		require.NoError(t, s.ClearNotifications(ctx))
		list, err = s.ListNotifications(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AddCommand(ctx, queued("a-1", "a", "dir")))
		require.NoError(t, s.CreateGroup(ctx, &Group{Name: "web", CreatedAt: time.Now()}))
		require.NoError(t, s.AddHistory(ctx, &HistoryEntry{AgentID: "a", Command: "dir", Success: true}))
		require.NoError(t, s.SaveNotification(ctx, &Notification{Channel: "system.error"}))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, DatabaseStats{
			QueueSize:          1,
			GroupsCount:        1,
			HistorySize:        1,
			TasksCount:         0,
			NotificationsCount: 1,
		}, *stats)
	})
}
