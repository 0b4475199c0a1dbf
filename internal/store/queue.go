// ABOUTME: Command queue persistence for SQLiteStore
// ABOUTME: Rows keep an autoincrement sequence so per-agent order is insertion order

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const queueColumns = `id, agent_id, command, prompt, status, result, added_at, executed_at, completed_at`

// AddCommand appends a command to its agent's queue.
// Returns ErrDuplicate if the id is already used.
func (s *SQLiteStore) AddCommand(ctx context.Context, cmd *QueuedCommand) error {
	query := `
		INSERT INTO command_queue (id, agent_id, command, prompt, status, result, added_at, executed_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.AgentID,
		cmd.Command,
		nullString(cmd.Prompt),
		string(cmd.Status),
		nullString(cmd.Result),
		formatTime(cmd.AddedAt),
		formatNullTime(cmd.ExecutedAt),
		formatNullTime(cmd.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting command: %w", err)
	}

	s.logger.Debug("queued command", "id", cmd.ID, "agent_id", cmd.AgentID)
	return nil
}

// GetCommand retrieves a command by id.
func (s *SQLiteStore) GetCommand(ctx context.Context, id string) (*QueuedCommand, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM command_queue WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// ListCommands returns all of an agent's commands in insertion order.
func (s *SQLiteStore) ListCommands(ctx context.Context, agentID string) ([]*QueuedCommand, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM command_queue WHERE agent_id = ? ORDER BY seq ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var cmds []*QueuedCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// NextPendingCommand returns the oldest pending command for an agent.
func (s *SQLiteStore) NextPendingCommand(ctx context.Context, agentID string) (*QueuedCommand, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM command_queue
		 WHERE agent_id = ? AND status = 'pending'
		 ORDER BY seq ASC LIMIT 1`, agentID)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying next pending command: %w", err)
	}
	return cmd, nil
}

// UpdateCommand writes the mutable lifecycle fields of a command.
func (s *SQLiteStore) UpdateCommand(ctx context.Context, cmd *QueuedCommand) error {
	query := `
		UPDATE command_queue
		SET status = ?, result = ?, executed_at = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(cmd.Status),
		nullString(cmd.Result),
		formatNullTime(cmd.ExecutedAt),
		formatNullTime(cmd.CompletedAt),
		cmd.ID,
	)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
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

// ClearCommands removes every command for an agent regardless of status.
func (s *SQLiteStore) ClearCommands(ctx context.Context, agentID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM command_queue WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, fmt.Errorf("clearing commands: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// CommandStats counts an agent's commands by status.
func (s *SQLiteStore) CommandStats(ctx context.Context, agentID string) (*QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM command_queue WHERE agent_id = ? GROUP BY status`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying command stats: %w", err)
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning command stats: %w", err)
		}
		stats.add(CommandStatus(status), count)
	}
	return &stats, rows.Err()
}

func (q *QueueStats) add(status CommandStatus, n int) {
	q.Total += n
	switch status {
	case StatusPending:
		q.Pending += n
	case StatusExecuting:
		q.Executing += n
	case StatusCompleted:
		q.Completed += n
	case StatusFailed:
		q.Failed += n
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*QueuedCommand, error) {
	var (
		cmd                     QueuedCommand
		status, addedAt         string
		prompt, result          sql.NullString
		executedAt, completedAt sql.NullString
	)

	if err := row.Scan(&cmd.ID, &cmd.AgentID, &cmd.Command, &prompt, &status, &result,
		&addedAt, &executedAt, &completedAt); err != nil {
		return nil, err
	}

	cmd.Prompt = prompt.String
	cmd.Result = result.String
	cmd.Status = CommandStatus(status)

	var err error
	if cmd.AddedAt, err = time.Parse(timeFormat, addedAt); err != nil {
		return nil, fmt.Errorf("parsing added_at: %w", err)
	}
	if cmd.ExecutedAt, err = parseNullTime(executedAt); err != nil {
		return nil, fmt.Errorf("parsing executed_at: %w", err)
	}
	if cmd.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &cmd, nil
}
