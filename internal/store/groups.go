// ABOUTME: Agent group persistence for SQLiteStore
// ABOUTME: Membership rows cascade away when their group is deleted

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateGroup inserts a new group. Returns ErrDuplicate if the name is taken.
func (s *SQLiteStore) CreateGroup(ctx context.Context, group *Group) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_groups (name, description, created_at) VALUES (?, ?, ?)`,
		group.Name, nullString(group.Description), formatTime(group.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting group: %w", err)
	}
	return nil
}

// GetGroup retrieves a group with its member count.
func (s *SQLiteStore) GetGroup(ctx context.Context, name string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT g.name, g.description, g.created_at, COUNT(m.agent_id)
		FROM agent_groups g
		LEFT JOIN group_members m ON m.group_name = g.name
		WHERE g.name = ?
		GROUP BY g.name
	`, name)

	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group: %w", err)
	}
	return group, nil
}

// DeleteGroup removes a group and its memberships.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_groups WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
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

// ListGroups returns every group ordered by name.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.name, g.description, g.created_at, COUNT(m.agent_id)
		FROM agent_groups g
		LEFT JOIN group_members m ON m.group_name = g.name
		GROUP BY g.name
		ORDER BY g.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// AddGroupMember adds an agent to a group. Adding an existing member is a no-op.
// Returns ErrNotFound if the group does not exist.
func (s *SQLiteStore) AddGroupMember(ctx context.Context, groupName, agentID string) error {
	if _, err := s.GetGroup(ctx, groupName); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_name, agent_id, added_at) VALUES (?, ?, ?)`,
		groupName, agentID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("adding group member: %w", err)
	}
	return nil
}

// RemoveGroupMember removes an agent from a group.
// Returns ErrNotFound if the agent was not a member.
func (s *SQLiteStore) RemoveGroupMember(ctx context.Context, groupName, agentID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_name = ? AND agent_id = ?`, groupName, agentID)
	if err != nil {
		return fmt.Errorf("removing group member: %w", err)
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

// ListGroupMembers returns the agent ids in a group in the order they were added.
func (s *SQLiteStore) ListGroupMembers(ctx context.Context, groupName string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT agent_id FROM group_members WHERE group_name = ? ORDER BY added_at ASC, agent_id ASC`, groupName)
}

// ListAgentGroups returns the names of every group an agent belongs to.
func (s *SQLiteStore) ListAgentGroups(ctx context.Context, agentID string) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT group_name FROM group_members WHERE agent_id = ? ORDER BY group_name ASC`, agentID)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanGroup(row rowScanner) (*Group, error) {
	var (
		group       Group
		description sql.NullString
		createdAt   string
	)
	if err := row.Scan(&group.Name, &description, &createdAt, &group.MemberCount); err != nil {
		return nil, err
	}
	group.Description = description.String

	var err error
	if group.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &group, nil
}
