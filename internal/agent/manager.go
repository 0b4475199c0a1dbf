// ABOUTME: Registry of connected agents keyed by agent ID with last-connect-wins replacement.
// ABOUTME: Tracks liveness from inbound traffic and delivers outbound frames to the current session.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-control/internal/protocol"
)

// ErrAgentNotFound indicates the specified agent has no live session.
var ErrAgentNotFound = errors.New("agent not found")

// ErrTransport wraps failures writing to an agent's connection.
var ErrTransport = errors.New("agent transport failure")

// Notification channels published by the registry.
const (
	ChannelConnected    = "agent.connected"
	ChannelDisconnected = "agent.disconnected"
	ChannelOffline      = "agent.offline"
	ChannelOnline       = "agent.online"
)

const (
	DefaultLivenessThreshold = 30 * time.Second
	DefaultSweepInterval     = 10 * time.Second
)

// Publisher receives registry lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, channel string, data any)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLivenessThreshold sets how long an agent may stay silent and still count as online.
func WithLivenessThreshold(d time.Duration) Option {
	return func(r *Registry) { r.threshold = d }
}

// WithSweepInterval sets how often Run checks for agents that went quiet.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithPublisher sets where lifecycle events are published.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// Registry coordinates all connected agents. At most one session exists per agent ID.
type Registry struct {
	sessions      map[string]*Session
	mu            sync.RWMutex
	threshold     time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	publisher     Publisher
	logger        *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions:      make(map[string]*Session),
		threshold:     DefaultLivenessThreshold,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        logger.With("component", "agent_registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnConnect registers a session for agentID, replacing any existing one.
// A replaced connection is closed so its read loop exits.
func (r *Registry) OnConnect(ctx context.Context, agentID string, meta Metadata, conn Conn) {
	now := r.now()
	nickname := meta.Nickname
	if nickname == "" {
		nickname = agentID
	}

	session := &Session{
		AgentID:     agentID,
		Nickname:    nickname,
		Tags:        append([]string(nil), meta.Tags...),
		RemoteAddr:  meta.RemoteAddr,
		ConnectedAt: now,
		LastSeenAt:  now,
		conn:        conn,
	}

	r.mu.Lock()
	previous := r.sessions[agentID]
	r.sessions[agentID] = session
	total := len(r.sessions)
	r.mu.Unlock()

	if previous != nil && previous.conn != conn {
		r.logger.Warn("agent reconnected, replacing previous session",
			"agent_id", agentID,
			"previous_connected_at", previous.ConnectedAt,
		)
		if err := previous.conn.Close(); err != nil {
			r.logger.Debug("closing replaced connection", "agent_id", agentID, "error", err)
		}
	}

	r.logger.Info("agent connected",
		"agent_id", agentID,
		"nickname", nickname,
		"tags", session.Tags,
		"total_agents", total,
	)
	r.publish(ctx, ChannelConnected, map[string]any{
		"agent_id":  agentID,
		"nickname":  nickname,
		"tags":      session.Tags,
		"timestamp": now,
	})
}

// OnMessage records inbound traffic from an agent and applies any payload it carries.
func (r *Registry) OnMessage(ctx context.Context, agentID string, msg *protocol.AgentMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	session.touch(r.now())

	switch msg.Type {
	case protocol.TypeHeartbeat, protocol.TypeQuickStats:
		if len(msg.Data) > 0 {
			session.Stats = append(session.Stats[:0:0], msg.Data...)
		}
	case protocol.TypeAgentInfo, protocol.TypeSystemInfo:
		if len(msg.Data) > 0 {
			session.SystemInfo = append(session.SystemInfo[:0:0], msg.Data...)
		}
	}
	return nil
}

// OnDisconnect removes the agent's session unconditionally.
func (r *Registry) OnDisconnect(ctx context.Context, agentID string) {
	r.mu.Lock()
	session, ok := r.sessions[agentID]
	delete(r.sessions, agentID)
	total := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.disconnected(ctx, session, total)
	}
}

// DisconnectIfCurrent removes the session only if conn is still its handle.
// Returns false when a newer connection has already replaced it.
func (r *Registry) DisconnectIfCurrent(ctx context.Context, agentID string, conn Conn) bool {
	r.mu.Lock()
	session, ok := r.sessions[agentID]
	if !ok || session.conn != conn {
		r.mu.Unlock()
		r.logger.Debug("ignoring disconnect of replaced connection", "agent_id", agentID)
		return false
	}
	delete(r.sessions, agentID)
	total := len(r.sessions)
	r.mu.Unlock()

	r.disconnected(ctx, session, total)
	return true
}

func (r *Registry) disconnected(ctx context.Context, session *Session, total int) {
	r.logger.Info("agent disconnected",
		"agent_id", session.AgentID,
		"nickname", session.Nickname,
		"total_agents", total,
	)
	r.publish(ctx, ChannelDisconnected, map[string]any{
		"agent_id":  session.AgentID,
		"nickname":  session.Nickname,
		"timestamp": r.now(),
	})
}

// IsCurrent reports whether conn is the live handle for agentID.
func (r *Registry) IsCurrent(agentID string, conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[agentID]
	return ok && session.conn == conn
}

// List returns every session sorted by agent ID with status derived now.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	agents := make([]AgentInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		agents = append(agents, r.snapshot(s, now))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Get returns one agent's snapshot.
func (r *Registry) Get(agentID string) (AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[agentID]
	if !ok {
		return AgentInfo{}, ErrAgentNotFound
	}
	return r.snapshot(s, r.now()), nil
}

// IsConnected reports whether agentID has a session, regardless of liveness.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[agentID]
	return ok
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Send delivers msg on the agent's current connection.
func (r *Registry) Send(agentID string, msg *protocol.ServerMessage) error {
	r.mu.RLock()
	session, ok := r.sessions[agentID]
	var conn Conn
	if ok {
		conn = session.conn
	}
	r.mu.RUnlock()

	if !ok {
		return ErrAgentNotFound
	}

	if err := conn.Send(msg); err != nil {
		r.logger.Warn("send to agent failed", "agent_id", agentID, "type", msg.Type, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrTransport, agentID, err)
	}

	r.logger.Debug("frame sent to agent", "agent_id", agentID, "type", msg.Type, "command_id", msg.CommandID)
	return nil
}

func (r *Registry) snapshot(s *Session, now time.Time) AgentInfo {
	status := StatusOffline
	if now.Sub(s.LastSeenAt) <= r.threshold {
		status = StatusOnline
	}
	return AgentInfo{
		ID:          s.AgentID,
		Nickname:    s.Nickname,
		Tags:        append([]string{}, s.Tags...),
		Status:      status,
		RemoteAddr:  s.RemoteAddr,
		SystemInfo:  s.SystemInfo,
		Stats:       s.Stats,
		ConnectedAt: s.ConnectedAt,
		LastSeenAt:  s.LastSeenAt,
	}
}

func (r *Registry) publish(ctx context.Context, channel string, data map[string]any) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, channel, data)
}
