// ABOUTME: Named agent groups backed by the store
// ABOUTME: Mutations for one group are serialized under the keyed mutex

package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-control/internal/keymutex"
	"github.com/2389/coven-control/internal/store"
)

var (
	// ErrGroupExists is returned when creating a group whose name is taken.
	ErrGroupExists = errors.New("group already exists")

	// ErrGroupNotFound is returned for operations on an unknown group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrNotMember is returned when removing an agent that is not in the group.
	ErrNotMember = errors.New("agent is not a member of the group")

	// ErrInvalidName is returned for empty or whitespace-only group names.
	ErrInvalidName = errors.New("invalid group name")

	// ErrInvalidAgentID is returned when adding an empty agent id.
	ErrInvalidAgentID = errors.New("agent id is required")
)

// Group is a group with its members.
type Group struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Agents      []string  `json:"agents"`
	Count       int       `json:"count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Manager creates and edits groups.
type Manager struct {
	store  store.GroupStore
	locks  *keymutex.Mutex
	logger *slog.Logger
}

// New creates a Manager. locks may be shared with other components.
func New(s store.GroupStore, locks *keymutex.Mutex, logger *slog.Logger) *Manager {
	return &Manager{
		store:  s,
		locks:  locks,
		logger: logger.With("component", "groups"),
	}
}

func groupKey(name string) string { return "group-" + name }

func normalize(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}
	return name, nil
}

// Create makes an empty group.
func (m *Manager) Create(ctx context.Context, name, description string) (*Group, error) {
	name, err := normalize(name)
	if err != nil {
		return nil, err
	}

	return keymutex.Run(m.locks, groupKey(name), func() (*Group, error) {
		g := &store.Group{Name: name, Description: description, CreatedAt: time.Now()}
		err := m.store.CreateGroup(ctx, g)
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrGroupExists, name)
		}
		if err != nil {
			return nil, fmt.Errorf("creating group %s: %w", name, err)
		}

		m.logger.Info("group created", "group", name)
		return &Group{Name: name, Description: description, Agents: []string{}, CreatedAt: g.CreatedAt}, nil
	})
}

// Delete removes a group and its memberships.
func (m *Manager) Delete(ctx context.Context, name string) error {
	return m.locks.Do(groupKey(name), func() error {
		err := m.store.DeleteGroup(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			return ErrGroupNotFound
		}
		if err != nil {
			return fmt.Errorf("deleting group %s: %w", name, err)
		}
		m.logger.Info("group deleted", "group", name)
		return nil
	})
}

// AddAgent adds agentID to the group. Adding an existing member is a no-op.
func (m *Manager) AddAgent(ctx context.Context, name, agentID string) error {
	if agentID == "" {
		return ErrInvalidAgentID
	}
	return m.locks.Do(groupKey(name), func() error {
		err := m.store.AddGroupMember(ctx, name, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrGroupNotFound
		}
		if err != nil {
			return fmt.Errorf("adding %s to group %s: %w", agentID, name, err)
		}
		m.logger.Debug("agent added to group", "group", name, "agent_id", agentID)
		return nil
	})
}

// RemoveAgent removes agentID from the group.
func (m *Manager) RemoveAgent(ctx context.Context, name, agentID string) error {
	return m.locks.Do(groupKey(name), func() error {
		if _, err := m.get(ctx, name); err != nil {
			return err
		}
		err := m.store.RemoveGroupMember(ctx, name, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return fmt.Errorf("removing %s from group %s: %w", agentID, name, err)
		}
		m.logger.Debug("agent removed from group", "group", name, "agent_id", agentID)
		return nil
	})
}

// Members returns the agent ids in a group.
func (m *Manager) Members(ctx context.Context, name string) ([]string, error) {
	if _, err := m.get(ctx, name); err != nil {
		return nil, err
	}
	members, err := m.store.ListGroupMembers(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", name, err)
	}
	return members, nil
}

// Get returns one group with its members.
func (m *Manager) Get(ctx context.Context, name string) (*Group, error) {
	g, err := m.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.expand(ctx, g)
}

// List returns every group with its members and member count.
func (m *Manager) List(ctx context.Context) ([]*Group, error) {
	rows, err := m.store.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	out := make([]*Group, 0, len(rows))
	for _, g := range rows {
		expanded, err := m.expand(ctx, g)
		if err != nil {
			return nil, err
		}
		out = append(out, expanded)
	}
	return out, nil
}

// AgentGroups returns the names of the groups agentID belongs to.
func (m *Manager) AgentGroups(ctx context.Context, agentID string) ([]string, error) {
	names, err := m.store.ListAgentGroups(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing groups for %s: %w", agentID, err)
	}
	return names, nil
}

func (m *Manager) get(ctx context.Context, name string) (*store.Group, error) {
	g, err := m.store.GetGroup(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting group %s: %w", name, err)
	}
	return g, nil
}

func (m *Manager) expand(ctx context.Context, g *store.Group) (*Group, error) {
	members, err := m.store.ListGroupMembers(ctx, g.Name)
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", g.Name, err)
	}
	if members == nil {
		members = []string{}
	}
	return &Group{
		Name:        g.Name,
		Description: g.Description,
		Agents:      members,
		Count:       len(members),
		CreatedAt:   g.CreatedAt,
	}, nil
}
