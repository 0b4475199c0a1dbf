// ABOUTME: Group API handlers for named agent sets and group-wide execution
// ABOUTME: Membership changes respond with the updated group

package gateway

import (
	"net/http"

	"github.com/2389/coven-control/internal/apierr"
	"github.com/2389/coven-control/internal/auth"
	"github.com/2389/coven-control/internal/groups"
)

// CreateGroupRequest is the body of POST /api/groups.
type CreateGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GroupMemberRequest is the body of POST /api/groups/{name}/agents.
type GroupMemberRequest struct {
	AgentID string `json:"agent_id"`
}

// GroupExecuteRequest is the body of POST /api/groups/{name}/execute.
type GroupExecuteRequest struct {
	Prompt string `json:"prompt"`
}

// GroupListResponse is the JSON response for GET /api/groups.
type GroupListResponse struct {
	Groups []*groups.Group `json:"groups"`
	Count  int             `json:"count"`
}

func (g *Gateway) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		g.writeError(w, r, apierr.MissingParameter("name"))
		return
	}

	group, err := g.groups.Create(r.Context(), req.Name, req.Description)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (g *Gateway) handleListGroups(w http.ResponseWriter, r *http.Request) {
	list, err := g.groups.List(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*groups.Group{}
	}
	writeJSON(w, http.StatusOK, GroupListResponse{Groups: list, Count: len(list)})
}

func (g *Gateway) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := g.groups.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (g *Gateway) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := g.groups.Delete(r.Context(), name); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

// handleAddGroupAgent handles POST /api/groups/{name}/agents. Agents need
// not be connected to join a group.
func (g *Gateway) handleAddGroupAgent(w http.ResponseWriter, r *http.Request) {
	var req GroupMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	name := r.PathValue("name")
	if err := g.groups.AddAgent(r.Context(), name, req.AgentID); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respondGroup(w, r, name)
}

func (g *Gateway) handleRemoveGroupAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := g.groups.RemoveAgent(r.Context(), name, r.PathValue("agentId")); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.respondGroup(w, r, name)
}

func (g *Gateway) respondGroup(w http.ResponseWriter, r *http.Request, name string) {
	group, err := g.groups.Get(r.Context(), name)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// handleExecuteGroup handles POST /api/groups/{name}/execute.
func (g *Gateway) handleExecuteGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	result, err := g.dispatch.ExecuteGroup(r.Context(), r.PathValue("name"), req.Prompt, auth.PrincipalID(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
