// ABOUTME: Notification persistence for SQLiteStore
// ABOUTME: Keeps a bounded log of published events, newest first on read

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveNotification persists a notification. An empty ID is assigned a ULID.
func (s *SQLiteStore) SaveNotification(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.ID == "" {
		n.ID = newID(n.CreatedAt)
	}
	data := n.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, channel, data, created_at) VALUES (?, ?, ?, ?)`,
		n.ID, n.Channel, string(data), formatTime(n.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// ListNotifications returns up to limit notifications newest first.
// An empty channel lists every channel.
func (s *SQLiteStore) ListNotifications(ctx context.Context, channel string, limit int) ([]*Notification, error) {
	limit = clampLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if channel == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, channel, data, created_at FROM notifications ORDER BY seq DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, channel, data, created_at FROM notifications WHERE channel = ? ORDER BY seq DESC LIMIT ?`,
			channel, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var (
			n         Notification
			data      string
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.Channel, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.Data = []byte(data)
		if n.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// ClearNotifications deletes every notification.
func (s *SQLiteStore) ClearNotifications(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notifications`); err != nil {
		return fmt.Errorf("clearing notifications: %w", err)
	}
	return nil
}

// PruneNotifications keeps only the newest keep notifications.
func (s *SQLiteStore) PruneNotifications(ctx context.Context, keep int) error {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE seq NOT IN (SELECT seq FROM notifications ORDER BY seq DESC LIMIT ?)
	`, keep)
	if err != nil {
		return fmt.Errorf("pruning notifications: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("pruned notifications", "removed", n, "kept", keep)
	}
	return nil
}
