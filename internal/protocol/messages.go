// Package protocol defines the JSON frames exchanged with agents over WebSocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types from agent to server
const (
	TypeResult     = "result"
	TypeAgentInfo  = "agent_info"
	TypeSystemInfo = "system_info"
	TypeQuickStats = "quick_stats"
	TypeHeartbeat  = "heartbeat"
)

// Message types from server to agent
const (
	TypeExecute       = "execute"
	TypeGetSystemInfo = "get_system_info"
	TypeGetQuickStats = "get_quick_stats"
)

// ErrMissingType is returned when a frame has no type discriminator.
var ErrMissingType = errors.New("message type is required")

// AgentMessage is any frame sent by an agent. Only the fields relevant to
// Type are populated; Data is kept raw and never interpreted here.
type AgentMessage struct {
	Type      string          `json:"type"`
	CommandID string          `json:"commandId,omitempty"`
	Command   string          `json:"command,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Output    string          `json:"output,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is any frame sent to an agent.
type ServerMessage struct {
	Type                string `json:"type"`
	Command             string `json:"command,omitempty"`
	CommandID           string `json:"commandId,omitempty"`
	RequireConfirmation bool   `json:"requireConfirmation,omitempty"`
}

// Decode parses an agent frame.
func Decode(data []byte) (*AgentMessage, error) {
	var msg AgentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding agent message: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return &msg, nil
}

// Encode serializes a server frame.
func Encode(msg *ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding server message: %w", err)
	}
	return data, nil
}

// Execute builds an execute frame for a tracked command.
func Execute(commandID, command string, requireConfirmation bool) *ServerMessage {
	return &ServerMessage{
		Type:                TypeExecute,
		Command:             command,
		CommandID:           commandID,
		RequireConfirmation: requireConfirmation,
	}
}

// RequestSystemInfo asks the agent for a full system report.
func RequestSystemInfo() *ServerMessage {
	return &ServerMessage{Type: TypeGetSystemInfo}
}

// RequestQuickStats asks the agent for a lightweight stats sample.
func RequestQuickStats() *ServerMessage {
	return &ServerMessage{Type: TypeGetQuickStats}
}
