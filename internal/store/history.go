// ABOUTME: Command history persistence for SQLiteStore
// ABOUTME: Stores agent-reported results and answers success-rate and search queries

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const historyColumns = `id, agent_id, prompt, command, success, output, command_id, created_at`

// AddHistory records a command result. An empty ID is assigned a ULID.
func (s *SQLiteStore) AddHistory(ctx context.Context, entry *HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.ID == "" {
		entry.ID = newID(entry.CreatedAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history (id, agent_id, prompt, command, success, output, command_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.AgentID,
		nullString(entry.Prompt),
		entry.Command,
		entry.Success,
		nullString(entry.Output),
		nullString(entry.CommandID),
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting history: %w", err)
	}
	return nil
}

// ListHistory returns up to limit entries newest first.
// An empty agentID lists every agent.
func (s *SQLiteStore) ListHistory(ctx context.Context, agentID string, limit int) ([]*HistoryEntry, error) {
	limit = clampLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if agentID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+historyColumns+` FROM command_history ORDER BY seq DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+historyColumns+` FROM command_history WHERE agent_id = ? ORDER BY seq DESC LIMIT ?`,
			agentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	return collectHistory(rows)
}

// SearchHistory matches query against prompts, commands, and output.
func (s *SQLiteStore) SearchHistory(ctx context.Context, query string, limit int) ([]*HistoryEntry, error) {
	limit = clampLimit(limit)
	pattern := "%" + escapeLike(query) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+` FROM command_history
		WHERE prompt LIKE ? ESCAPE '\' OR command LIKE ? ESCAPE '\' OR output LIKE ? ESCAPE '\'
		ORDER BY seq DESC LIMIT ?
	`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching history: %w", err)
	}
	return collectHistory(rows)
}

// HistoryStats summarizes results for an agent, or all agents when agentID is empty.
func (s *SQLiteStore) HistoryStats(ctx context.Context, agentID string) (*HistoryStats, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(success), 0), MAX(created_at) FROM command_history`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}

	var (
		stats HistoryStats
		last  sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.Total, &stats.Successful, &last); err != nil {
		return nil, fmt.Errorf("querying history stats: %w", err)
	}

	stats.Failed = stats.Total - stats.Successful
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
	}

	var err error
	if stats.LastExecution, err = parseNullTime(last); err != nil {
		return nil, fmt.Errorf("parsing last execution: %w", err)
	}
	return &stats, nil
}

func collectHistory(rows *sql.Rows) ([]*HistoryEntry, error) {
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var (
			entry                     HistoryEntry
			prompt, output, commandID sql.NullString
			createdAt                 string
		)
		if err := rows.Scan(&entry.ID, &entry.AgentID, &prompt, &entry.Command, &entry.Success,
			&output, &commandID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		entry.Prompt = prompt.String
		entry.Output = output.String
		entry.CommandID = commandID.String

		t, err := time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entry.CreatedAt = t
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
