// ABOUTME: HTTP API handlers for agents, command execution and the caller identity
// ABOUTME: Also holds the shared JSON helpers and the response types they render

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-control/internal/agent"
	"github.com/2389/coven-control/internal/apierr"
	"github.com/2389/coven-control/internal/auth"
	"github.com/2389/coven-control/internal/dispatch"
	"github.com/2389/coven-control/internal/store"
)

const (
	maxRequestBody = 1 << 20

	defaultListLimit = 50
	maxListLimit     = 1000
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Agents        int    `json:"agents"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// MeResponse is the JSON response for GET /api/auth/me.
type MeResponse struct {
	Principal string `json:"principal"`
	Anonymous bool   `json:"anonymous"`
}

// AgentListResponse is the JSON response for GET /api/agents.
type AgentListResponse struct {
	Agents []agent.AgentInfo `json:"agents"`
	Count  int               `json:"count"`
}

// AgentDetailResponse is one agent plus the groups it belongs to.
type AgentDetailResponse struct {
	agent.AgentInfo
	Groups []string `json:"groups"`
}

// CommandResponse is the JSON form of a queued command.
type CommandResponse struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Command     string     `json:"command"`
	Prompt      string     `json:"prompt,omitempty"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func commandResponse(c *store.QueuedCommand) CommandResponse {
	return CommandResponse{
		ID:          c.ID,
		AgentID:     c.AgentID,
		Command:     c.Command,
		Prompt:      c.Prompt,
		Status:      string(c.Status),
		Result:      c.Result,
		AddedAt:     c.AddedAt,
		ExecutedAt:  c.ExecutedAt,
		CompletedAt: c.CompletedAt,
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apierr.InvalidRequest("request body is required")
		}
		return apierr.InvalidRequest("invalid JSON body")
	}
	return nil
}

// queryLimit parses ?limit=, clamped to maxListLimit.
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apierr.InvalidRequest("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// handleMe handles GET /api/auth/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	resp := MeResponse{Principal: auth.Anonymous, Anonymous: true}
	if p := auth.FromContext(r.Context()); p != nil {
		resp = MeResponse{Principal: p.ID, Anonymous: p.Anonymous}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListAgents handles GET /api/agents.
// Supports optional ?tag=X to filter by tag and ?status=online|offline.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	status := r.URL.Query().Get("status")

	agents := make([]agent.AgentInfo, 0)
	for _, a := range g.registry.List() {
		if tag != "" && !hasTag(a.Tags, tag) {
			continue
		}
		if status != "" && string(a.Status) != status {
			continue
		}
		agents = append(agents, a)
	}

	writeJSON(w, http.StatusOK, AgentListResponse{Agents: agents, Count: len(agents)})
}

func hasTag(tags []string, target string) bool {
	for _, t := range tags {
		if t == target {
			return true
		}
	}
	return false
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := g.registry.Get(r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	memberOf, err := g.groups.AgentGroups(r.Context(), info.ID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if memberOf == nil {
		memberOf = []string{}
	}
	writeJSON(w, http.StatusOK, AgentDetailResponse{AgentInfo: info, Groups: memberOf})
}

// handleRefreshAgent handles POST /api/agents/{id}/refresh.
func (g *Gateway) handleRefreshAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.dispatch.RefreshSystemInfo(r.Context(), id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"agent_id": id, "status": "requested"})
}

// handleExecute handles POST /api/execute.
func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	req.Actor = auth.PrincipalID(r.Context())

	outcome, err := g.dispatch.Execute(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleExecuteBatch handles POST /api/execute-batch.
func (g *Gateway) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	req.Actor = auth.PrincipalID(r.Context())

	result, err := g.dispatch.ExecuteBatch(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
