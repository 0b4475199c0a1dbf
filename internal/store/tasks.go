// ABOUTME: Scheduled task persistence for SQLiteStore
// ABOUTME: Commands are stored as a JSON array in a single column

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, agent_id, commands, interval_minutes, description, enabled, last_run_at, next_run_at, created_at`

// SaveTask inserts a task or replaces an existing one with the same id.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *ScheduledTask) error {
	commands, err := json.Marshal(task.Commands)
	if err != nil {
		return fmt.Errorf("marshaling commands: %w", err)
	}

	query := `
		INSERT INTO scheduled_tasks (id, agent_id, commands, interval_minutes, description, enabled, last_run_at, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			commands = excluded.commands,
			interval_minutes = excluded.interval_minutes,
			description = excluded.description,
			enabled = excluded.enabled,
			last_run_at = excluded.last_run_at,
			next_run_at = excluded.next_run_at
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		string(commands),
		task.IntervalMinutes,
		nullString(task.Description),
		task.Enabled,
		formatNullTime(task.LastRunAt),
		formatNullTime(task.NextRunAt),
		formatTime(task.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// ListTasks returns every task ordered by creation time.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var (
		task                 ScheduledTask
		commands, createdAt  string
		description          sql.NullString
		lastRunAt, nextRunAt sql.NullString
	)

	if err := row.Scan(&task.ID, &task.AgentID, &commands, &task.IntervalMinutes, &description,
		&task.Enabled, &lastRunAt, &nextRunAt, &createdAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(commands), &task.Commands); err != nil {
		return nil, fmt.Errorf("unmarshaling commands: %w", err)
	}
	task.Description = description.String

	var err error
	if task.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if task.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, fmt.Errorf("parsing last_run_at: %w", err)
	}
	if task.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, fmt.Errorf("parsing next_run_at: %w", err)
	}
	return &task, nil
}
