// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	commands      []*QueuedCommand          // insertion order
	tasks         map[string]*ScheduledTask // keyed by task ID
	taskOrder     []string
	groups        map[string]*Group   // keyed by group name
	members       map[string][]string // keyed by group name, insertion order
	history       []*HistoryEntry     // insertion order
	notifications []*Notification     // insertion order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks:   make(map[string]*ScheduledTask),
		groups:  make(map[string]*Group),
		members: make(map[string][]string),
	}
}

// AddCommand appends a command.
func (m *MockStore) AddCommand(ctx context.Context, cmd *QueuedCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.commands {
		if c.ID == cmd.ID {
			return ErrDuplicate
		}
	}
	m.commands = append(m.commands, copyCommand(cmd))
	return nil
}

// GetCommand retrieves a command by ID.
func (m *MockStore) GetCommand(ctx context.Context, id string) (*QueuedCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.commands {
		if c.ID == id {
			return copyCommand(c), nil
		}
	}
	return nil, ErrNotFound
}

// ListCommands returns an agent's commands in insertion order.
func (m *MockStore) ListCommands(ctx context.Context, agentID string) ([]*QueuedCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*QueuedCommand
	for _, c := range m.commands {
		if c.AgentID == agentID {
			out = append(out, copyCommand(c))
		}
	}
	return out, nil
}

// NextPendingCommand returns the oldest pending command for an agent.
func (m *MockStore) NextPendingCommand(ctx context.Context, agentID string) (*QueuedCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.commands {
		if c.AgentID == agentID && c.Status == StatusPending {
			return copyCommand(c), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateCommand replaces the lifecycle fields of a command.
func (m *MockStore) UpdateCommand(ctx context.Context, cmd *QueuedCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.commands {
		if c.ID == cmd.ID {
			c.Status = cmd.Status
			c.Result = cmd.Result
			c.ExecutedAt = copyTime(cmd.ExecutedAt)
			c.CompletedAt = copyTime(cmd.CompletedAt)
			return nil
		}
	}
	return ErrNotFound
}

// ClearCommands removes every command for an agent.
func (m *MockStore) ClearCommands(ctx context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.commands[:0]
	removed := 0
	for _, c := range m.commands {
		if c.AgentID == agentID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	m.commands = kept
	return removed, nil
}

// CommandStats counts an agent's commands by status.
func (m *MockStore) CommandStats(ctx context.Context, agentID string) (*QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats QueueStats
	for _, c := range m.commands {
		if c.AgentID == agentID {
			stats.add(c.Status, 1)
		}
	}
	return &stats, nil
}

// SaveTask inserts or replaces a task.
func (m *MockStore) SaveTask(ctx context.Context, task *ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := copyTask(task)
	if existing, ok := m.tasks[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		m.taskOrder = append(m.taskOrder, t.ID)
	}
	m.tasks[t.ID] = t
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// ListTasks returns every task in creation order.
func (m *MockStore) ListTasks(ctx context.Context) ([]*ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ScheduledTask, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		out = append(out, copyTask(m.tasks[id]))
	}
	return out, nil
}

// DeleteTask removes a task.
func (m *MockStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	for i, tid := range m.taskOrder {
		if tid == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			break
		}
	}
	return nil
}

// CreateGroup stores a new group.
func (m *MockStore) CreateGroup(ctx context.Context, group *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[group.Name]; ok {
		return ErrDuplicate
	}
	g := *group
	g.MemberCount = 0
	m.groups[g.Name] = &g
	return nil
}

// GetGroup retrieves a group with its member count.
func (m *MockStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[name]
	if !ok {
		return nil, ErrNotFound
	}
	result := *g
	result.MemberCount = len(m.members[name])
	return &result, nil
}

// DeleteGroup removes a group and its memberships.
func (m *MockStore) DeleteGroup(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[name]; !ok {
		return ErrNotFound
	}
	delete(m.groups, name)
	delete(m.members, name)
	return nil
}

// ListGroups returns every group ordered by name.
func (m *MockStore) ListGroups(ctx context.Context) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Group, 0, len(m.groups))
	for name, g := range m.groups {
		result := *g
		result.MemberCount = len(m.members[name])
		out = append(out, &result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AddGroupMember adds an agent to a group. Existing members are left alone.
func (m *MockStore) AddGroupMember(ctx context.Context, groupName, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[groupName]; !ok {
		return ErrNotFound
	}
	for _, id := range m.members[groupName] {
		if id == agentID {
			return nil
		}
	}
	m.members[groupName] = append(m.members[groupName], agentID)
	return nil
}

// RemoveGroupMember removes an agent from a group.
func (m *MockStore) RemoveGroupMember(ctx context.Context, groupName, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.members[groupName]
	for i, id := range members {
		if id == agentID {
			m.members[groupName] = append(members[:i:i], members[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ListGroupMembers returns a group's agents in the order they were added.
func (m *MockStore) ListGroupMembers(ctx context.Context, groupName string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.members[groupName]...), nil
}

// ListAgentGroups returns the groups an agent belongs to, sorted by name.
func (m *MockStore) ListAgentGroups(ctx context.Context, agentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for name, members := range m.members {
		for _, id := range members {
			if id == agentID {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// AddHistory records a command result.
func (m *MockStore) AddHistory(ctx context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.ID == "" {
		entry.ID = newID(entry.CreatedAt)
	}
	for _, h := range m.history {
		if h.ID == entry.ID {
			return ErrDuplicate
		}
	}
	e := *entry
	m.history = append(m.history, &e)
	return nil
}

// ListHistory returns up to limit entries newest first.
func (m *MockStore) ListHistory(ctx context.Context, agentID string, limit int) ([]*HistoryEntry, error) {
	return m.filterHistory(limit, func(h *HistoryEntry) bool {
		return agentID == "" || h.AgentID == agentID
	}), nil
}

// SearchHistory matches query against prompts, commands, and output.
func (m *MockStore) SearchHistory(ctx context.Context, query string, limit int) ([]*HistoryEntry, error) {
	q := strings.ToLower(query)
	return m.filterHistory(limit, func(h *HistoryEntry) bool {
		return strings.Contains(strings.ToLower(h.Prompt), q) ||
			strings.Contains(strings.ToLower(h.Command), q) ||
			strings.Contains(strings.ToLower(h.Output), q)
	}), nil
}

func (m *MockStore) filterHistory(limit int, match func(*HistoryEntry) bool) []*HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	var out []*HistoryEntry
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if match(m.history[i]) {
			e := *m.history[i]
			out = append(out, &e)
		}
	}
	return out
}

// HistoryStats summarizes results for an agent, or all agents when agentID is empty.
func (m *MockStore) HistoryStats(ctx context.Context, agentID string) (*HistoryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats HistoryStats
	for _, h := range m.history {
		if agentID != "" && h.AgentID != agentID {
			continue
		}
		stats.Total++
		if h.Success {
			stats.Successful++
		}
		if stats.LastExecution == nil || h.CreatedAt.After(*stats.LastExecution) {
			t := h.CreatedAt
			stats.LastExecution = &t
		}
	}
	stats.Failed = stats.Total - stats.Successful
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
	}
	return &stats, nil
}

// SaveNotification persists a notification.
func (m *MockStore) SaveNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.ID == "" {
		n.ID = newID(n.CreatedAt)
	}
	c := *n
	c.Data = append([]byte(nil), n.Data...)
	m.notifications = append(m.notifications, &c)
	return nil
}

// ListNotifications returns up to limit notifications newest first.
func (m *MockStore) ListNotifications(ctx context.Context, channel string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)
	var out []*Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.notifications[i]
		if channel != "" && n.Channel != channel {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

// ClearNotifications deletes every notification.
func (m *MockStore) ClearNotifications(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notifications = nil
	return nil
}

// PruneNotifications keeps only the newest keep notifications.
func (m *MockStore) PruneNotifications(ctx context.Context, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	if len(m.notifications) > keep {
		m.notifications = append([]*Notification(nil), m.notifications[len(m.notifications)-keep:]...)
	}
	return nil
}

// Stats reports record counts.
func (m *MockStore) Stats(ctx context.Context) (*DatabaseStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &DatabaseStats{
		QueueSize:          len(m.commands),
		GroupsCount:        len(m.groups),
		HistorySize:        len(m.history),
		TasksCount:         len(m.tasks),
		NotificationsCount: len(m.notifications),
	}, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyCommand(cmd *QueuedCommand) *QueuedCommand {
	c := *cmd
	c.ExecutedAt = copyTime(cmd.ExecutedAt)
	c.CompletedAt = copyTime(cmd.CompletedAt)
	return &c
}

func copyTask(task *ScheduledTask) *ScheduledTask {
	t := *task
	t.Commands = append([]string(nil), task.Commands...)
	t.LastRunAt = copyTime(task.LastRunAt)
	t.NextRunAt = copyTime(task.NextRunAt)
	return &t
}

// Compile-time interface checks.
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
