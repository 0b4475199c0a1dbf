// ABOUTME: Represents a single connected agent session and its outbound handle.
// ABOUTME: The Conn interface hides the transport so the registry can be tested without sockets.

package agent

import (
	"encoding/json"
	"time"

	"github.com/2389/coven-control/internal/protocol"
)

// Conn is the outbound side of a live agent connection.
type Conn interface {
	Send(msg *protocol.ServerMessage) error
	Close() error
}

// Metadata is what an agent declares about itself when it connects.
type Metadata struct {
	Nickname   string
	Tags       []string
	RemoteAddr string
}

// Status is derived from LastSeenAt at read time and never stored.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Session is the registry's record for one connected agent.
type Session struct {
	AgentID     string
	Nickname    string
	Tags        []string
	RemoteAddr  string
	SystemInfo  json.RawMessage
	Stats       json.RawMessage
	ConnectedAt time.Time
	LastSeenAt  time.Time

	conn Conn
	// offline is set by the liveness sweep once it has reported the agent as
	// gone quiet, so each online/offline edge is published once.
	offline bool
}

// touch moves LastSeenAt forward, never backward.
func (s *Session) touch(now time.Time) {
	if now.After(s.LastSeenAt) {
		s.LastSeenAt = now
	}
}

func (s *Session) hasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AgentInfo is a read-only snapshot of a session with its derived status.
type AgentInfo struct {
	ID          string          `json:"id"`
	Nickname    string          `json:"nickname"`
	Tags        []string        `json:"tags"`
	Status      Status          `json:"status"`
	RemoteAddr  string          `json:"remote_addr,omitempty"`
	SystemInfo  json.RawMessage `json:"system_info,omitempty"`
	Stats       json.RawMessage `json:"stats,omitempty"`
	ConnectedAt time.Time       `json:"connected_at"`
	LastSeenAt  time.Time       `json:"last_seen_at"`
}

// Online reports whether the agent was seen within the liveness threshold.
func (a AgentInfo) Online() bool {
	return a.Status == StatusOnline
}
