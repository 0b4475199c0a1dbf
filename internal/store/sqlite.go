// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates the schema on startup

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database pinned to a single connection.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Every pooled connection to :memory: would be a separate database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS command_queue (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			agent_id     TEXT NOT NULL,
			command      TEXT NOT NULL,
			prompt       TEXT,
			status       TEXT NOT NULL,
			result       TEXT,
			added_at     TEXT NOT NULL,
			executed_at  TEXT,
			completed_at TEXT,

			CHECK (status IN ('pending', 'executing', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_queue_agent_status ON command_queue(agent_id, status, seq);

		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id               TEXT PRIMARY KEY,
			agent_id         TEXT NOT NULL,
			commands         TEXT NOT NULL,
			interval_minutes INTEGER NOT NULL,
			description      TEXT,
			enabled          INTEGER NOT NULL DEFAULT 1,
			last_run_at      TEXT,
			next_run_at      TEXT,
			created_at       TEXT NOT NULL,

			CHECK (interval_minutes >= 1)
		);

		CREATE TABLE IF NOT EXISTS agent_groups (
			name        TEXT PRIMARY KEY,
			description TEXT,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS group_members (
			group_name TEXT NOT NULL REFERENCES agent_groups(name) ON DELETE CASCADE,
			agent_id   TEXT NOT NULL,
			added_at   TEXT NOT NULL,

			PRIMARY KEY (group_name, agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_group_members_agent ON group_members(agent_id);

		CREATE TABLE IF NOT EXISTS command_history (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			agent_id   TEXT NOT NULL,
			prompt     TEXT,
			command    TEXT NOT NULL,
			success    INTEGER NOT NULL,
			output     TEXT,
			command_id TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_agent ON command_history(agent_id, seq);

		CREATE TABLE IF NOT EXISTS notifications (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			channel    TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_channel ON notifications(channel, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Stats reports row counts for each table
func (s *SQLiteStore) Stats(ctx context.Context) (*DatabaseStats, error) {
	var stats DatabaseStats
	counts := []struct {
		table string
		dest  *int
	}{
		{"command_queue", &stats.QueueSize},
		{"agent_groups", &stats.GroupsCount},
		{"command_history", &stats.HistorySize},
		{"scheduled_tasks", &stats.TasksCount},
		{"notifications", &stats.NotificationsCount},
	}

	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	return &stats, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// newID returns a time-ordered ULID for history and notification rows.
func newID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
