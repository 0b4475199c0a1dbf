// ABOUTME: Handling of result frames and other agent reports
// ABOUTME: Records activity and history, publishes outcomes, and finishes queued commands

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/2389/coven-control/internal/activity"
	"github.com/2389/coven-control/internal/notify"
	"github.com/2389/coven-control/internal/protocol"
	"github.com/2389/coven-control/internal/queue"
	"github.com/2389/coven-control/internal/store"
)

const (
	activityOutputLimit = 200
	defaultFailure      = "Command failed"
)

type completedResult struct {
	Output    string `json:"output"`
	Timestamp string `json:"timestamp"`
}

// HandleResult records a result frame. Persistence failures are logged and
// do not stop the remaining steps.
func (s *Service) HandleResult(ctx context.Context, agentID string, msg *protocol.AgentMessage) {
	var queued *store.QueuedCommand
	if msg.CommandID != "" {
		cmd, err := s.queue.Get(ctx, msg.CommandID)
		switch {
		case err == nil && cmd.AgentID != agentID:
			s.logger.Warn("result for another agent's command",
				"agent_id", agentID,
				"command_id", msg.CommandID,
				"owner", cmd.AgentID,
			)
		case err == nil:
			queued = cmd
		case errors.Is(err, queue.ErrCommandNotFound):
			s.logger.Debug("result for untracked command", "agent_id", agentID, "command_id", msg.CommandID)
		default:
			s.logger.Error("looking up command", "command_id", msg.CommandID, "error", err)
		}
	}

	command := msg.Command
	prompt := ""
	if queued != nil {
		if command == "" {
			command = queued.Command
		}
		prompt = queued.Prompt
	}

	s.activity.Add(agentID, activity.KindCommand, map[string]any{
		"command":    command,
		"command_id": msg.CommandID,
		"success":    msg.Success,
		"output":     truncate(msg.Output, activityOutputLimit),
	})

	if s.history != nil {
		err := s.history.AddHistory(ctx, &store.HistoryEntry{
			AgentID:   agentID,
			Prompt:    prompt,
			Command:   command,
			Success:   msg.Success,
			Output:    msg.Output,
			CommandID: msg.CommandID,
		})
		if err != nil {
			s.logger.Error("recording history", "agent_id", agentID, "command_id", msg.CommandID, "error", err)
		}
	}

	event := map[string]any{
		"agent_id":   agentID,
		"command":    command,
		"command_id": msg.CommandID,
		"timestamp":  s.now().UTC(),
	}
	if msg.Success {
		s.publish(ctx, notify.ChannelCommandExecuted, event)
	} else {
		event["error"] = msg.Output
		s.publish(ctx, notify.ChannelCommandFailed, event)
	}

	if queued == nil {
		return
	}
	s.finish(ctx, agentID, msg)
}

func (s *Service) finish(ctx context.Context, agentID string, msg *protocol.AgentMessage) {
	var (
		tr  *queue.Transition
		err error
	)
	if msg.Success {
		payload, _ := json.Marshal(completedResult{
			Output:    msg.Output,
			Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
		tr, err = s.queue.MarkCompleted(ctx, msg.CommandID, string(payload))
	} else {
		reason := msg.Output
		if reason == "" {
			reason = defaultFailure
		}
		tr, err = s.queue.MarkFailed(ctx, msg.CommandID, reason)
	}
	if err != nil {
		s.logger.Error("finishing queued command", "agent_id", agentID, "command_id", msg.CommandID, "error", err)
		return
	}
	switch {
	case tr.Stale:
		s.logger.Warn("command outcome overwritten by a later report",
			"agent_id", agentID,
			"command_id", msg.CommandID,
			"status", tr.Command.Status,
		)
	case tr.Changed:
		s.logger.Info("queued command finished",
			"agent_id", agentID,
			"command_id", msg.CommandID,
			"status", tr.Command.Status,
		)
	}
}

// HandleReport records non-result frames in the activity feed.
func (s *Service) HandleReport(agentID string, msg *protocol.AgentMessage) {
	switch msg.Type {
	case protocol.TypeAgentInfo, protocol.TypeSystemInfo:
		s.activity.Add(agentID, activity.KindSystemInfo, msg.Data)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
