// ABOUTME: Store interface and record types for coven-control persistence
// ABOUTME: Covers queued commands, scheduled tasks, groups, history, and notifications

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose key already exists
var ErrDuplicate = errors.New("already exists")

// CommandStatus is the lifecycle state of a queued command
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusExecuting CommandStatus = "executing"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
)

// Terminal reports whether the status can no longer change in normal operation
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueuedCommand is one dispatch attempt for an agent
type QueuedCommand struct {
	ID          string
	AgentID     string
	Command     string
	Prompt      string // empty when the command did not come from a prompt
	Status      CommandStatus
	Result      string // JSON result for completed, error text for failed
	AddedAt     time.Time
	ExecutedAt  *time.Time
	CompletedAt *time.Time
}

// QueueStats counts an agent's commands by status
type QueueStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ScheduledTask is a recurring set of commands for one agent
type ScheduledTask struct {
	ID              string
	AgentID         string
	Commands        []string
	IntervalMinutes int
	Description     string
	Enabled         bool
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	CreatedAt       time.Time
}

// Group is a named set of agents
type Group struct {
	Name        string
	Description string
	CreatedAt   time.Time
	MemberCount int // populated by ListGroups
}

// HistoryEntry records a command result reported by an agent
type HistoryEntry struct {
	ID        string
	AgentID   string
	Prompt    string
	Command   string
	Success   bool
	Output    string
	CommandID string
	CreatedAt time.Time
}

// HistoryStats summarizes history for one agent or all agents
type HistoryStats struct {
	Total         int        `json:"total"`
	Successful    int        `json:"successful"`
	Failed        int        `json:"failed"`
	SuccessRate   float64    `json:"success_rate"`
	LastExecution *time.Time `json:"last_execution,omitempty"`
}

// Notification is a persisted event published on a channel
type Notification struct {
	ID        string
	Channel   string
	Data      []byte // JSON
	CreatedAt time.Time
}

// DatabaseStats reports row counts per record type
type DatabaseStats struct {
	QueueSize          int `json:"queue_size"`
	GroupsCount        int `json:"groups_count"`
	HistorySize        int `json:"history_size"`
	TasksCount         int `json:"tasks_count"`
	NotificationsCount int `json:"notifications_count"`
}

// QueueStore persists the per-agent command queue
type QueueStore interface {
	AddCommand(ctx context.Context, cmd *QueuedCommand) error
	GetCommand(ctx context.Context, id string) (*QueuedCommand, error)
	// ListCommands returns an agent's commands in insertion order
	ListCommands(ctx context.Context, agentID string) ([]*QueuedCommand, error)
	// NextPendingCommand returns the oldest pending command, or ErrNotFound
	NextPendingCommand(ctx context.Context, agentID string) (*QueuedCommand, error)
	UpdateCommand(ctx context.Context, cmd *QueuedCommand) error
	ClearCommands(ctx context.Context, agentID string) (int, error)
	CommandStats(ctx context.Context, agentID string) (*QueueStats, error)
}

// TaskStore persists scheduled tasks
type TaskStore interface {
	SaveTask(ctx context.Context, task *ScheduledTask) error
	GetTask(ctx context.Context, id string) (*ScheduledTask, error)
	ListTasks(ctx context.Context) ([]*ScheduledTask, error)
	DeleteTask(ctx context.Context, id string) error
}

// GroupStore persists agent groups and their members
type GroupStore interface {
	CreateGroup(ctx context.Context, group *Group) error
	GetGroup(ctx context.Context, name string) (*Group, error)
	DeleteGroup(ctx context.Context, name string) error
	ListGroups(ctx context.Context) ([]*Group, error)
	AddGroupMember(ctx context.Context, groupName, agentID string) error
	RemoveGroupMember(ctx context.Context, groupName, agentID string) error
	ListGroupMembers(ctx context.Context, groupName string) ([]string, error)
	ListAgentGroups(ctx context.Context, agentID string) ([]string, error)
}

// HistoryStore persists command results
type HistoryStore interface {
	AddHistory(ctx context.Context, entry *HistoryEntry) error
	// ListHistory returns newest first; empty agentID means all agents
	ListHistory(ctx context.Context, agentID string, limit int) ([]*HistoryEntry, error)
	HistoryStats(ctx context.Context, agentID string) (*HistoryStats, error)
	SearchHistory(ctx context.Context, query string, limit int) ([]*HistoryEntry, error)
}

// NotificationStore persists published notifications
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *Notification) error
	// ListNotifications returns newest first; empty channel means all channels
	ListNotifications(ctx context.Context, channel string, limit int) ([]*Notification, error)
	ClearNotifications(ctx context.Context) error
	// PruneNotifications keeps only the newest keep notifications
	PruneNotifications(ctx context.Context, keep int) error
}

// Store is the full persistence surface used by the control plane
type Store interface {
	QueueStore
	TaskStore
	GroupStore
	HistoryStore
	NotificationStore

	Stats(ctx context.Context) (*DatabaseStats, error)

	// Close releases any resources held by the store
	Close() error
}
