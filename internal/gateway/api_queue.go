// ABOUTME: Queue API handlers: enqueue, inspect, drain and fail per-agent commands
// ABOUTME: Agent ids come from the path; execution goes through the dispatch service

package gateway

import (
	"net/http"

	"github.com/2389/coven-control/internal/apierr"
	"github.com/2389/coven-control/internal/auth"
	"github.com/2389/coven-control/internal/dispatch"
)

// QueueResponse is the JSON response for GET /api/queue/{agentId}.
type QueueResponse struct {
	AgentID  string            `json:"agent_id"`
	Commands []CommandResponse `json:"commands"`
	Count    int               `json:"count"`
}

// FailCommandRequest is the body of POST /api/queue/commands/{id}/fail.
type FailCommandRequest struct {
	Reason string `json:"reason"`
}

// handleEnqueue handles POST /api/queue. The command is generated and
// checked now but only sent by execute-next.
func (g *Gateway) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	outcome, err := g.dispatch.Enqueue(r.Context(), req.AgentID, req.Prompt, auth.PrincipalID(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

// handleListQueue handles GET /api/queue/{agentId}.
func (g *Gateway) handleListQueue(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	cmds, err := g.queue.List(r.Context(), agentID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp := QueueResponse{AgentID: agentID, Commands: make([]CommandResponse, 0, len(cmds))}
	for _, c := range cmds {
		resp.Commands = append(resp.Commands, commandResponse(c))
	}
	resp.Count = len(resp.Commands)
	writeJSON(w, http.StatusOK, resp)
}

// handleQueueStatus handles GET /api/queue/{agentId}/status.
func (g *Gateway) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := g.queue.Stats(r.Context(), r.PathValue("agentId"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleExecuteNext handles POST /api/queue/{agentId}/execute-next.
func (g *Gateway) handleExecuteNext(w http.ResponseWriter, r *http.Request) {
	cmd, err := g.dispatch.ExecuteNext(r.Context(), r.PathValue("agentId"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(cmd))
}

// handleClearQueue handles DELETE /api/queue/{agentId}.
func (g *Gateway) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	n, err := g.queue.Clear(r.Context(), agentID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.logger.Info("queue cleared", "agent_id", agentID, "removed", n, "actor", auth.PrincipalID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "cleared": n})
}

// handleFailCommand handles POST /api/queue/commands/{id}/fail, the
// administrative cancel for a command that will never report back.
func (g *Gateway) handleFailCommand(w http.ResponseWriter, r *http.Request) {
	var req FailCommandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Reason == "" {
		g.writeError(w, r, apierr.MissingParameter("reason"))
		return
	}

	id := r.PathValue("id")
	tr, err := g.queue.MarkFailed(r.Context(), id, req.Reason)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if tr.Stale {
		g.logger.Warn("failed a command that had already finished",
			"command_id", id,
			"actor", auth.PrincipalID(r.Context()),
		)
	}
	writeJSON(w, http.StatusOK, commandResponse(tr.Command))
}
