package gateway

import (
	"net/http"
	"time"

	"github.com/2389/coven-control/internal/apierr"
	"github.com/2389/coven-control/internal/scheduler"
	"github.com/2389/coven-control/internal/store"
)

// TaskResponse is the JSON form of a scheduled task.
type TaskResponse struct {
	ID              string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	Commands        []string   `json:"commands"`
	IntervalMinutes int        `json:"interval_minutes"`
	Description     string     `json:"description,omitempty"`
	Enabled         bool       `json:"enabled"`
	Armed           bool       `json:"armed"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// UpdateTaskRequest is the body of PATCH /api/scheduler/tasks/{id}.
type UpdateTaskRequest struct {
	Enabled *bool `json:"enabled"`
}

func (g *Gateway) taskResponse(t *store.ScheduledTask) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		AgentID:         t.AgentID,
		Commands:        t.Commands,
		IntervalMinutes: t.IntervalMinutes,
		Description:     t.Description,
		Enabled:         t.Enabled,
		Armed:           g.scheduler.Armed(t.ID),
		LastRunAt:       t.LastRunAt,
		NextRunAt:       t.NextRunAt,
		CreatedAt:       t.CreatedAt,
	}
}

// handleCreateTask handles POST /api/scheduler/tasks. An existing id is replaced.
func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.TaskSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		g.writeError(w, r, err)
		return
	}

	task, err := g.scheduler.AddTask(r.Context(), spec)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g.taskResponse(task))
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := g.scheduler.ListTasks(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	resp := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, g.taskResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": resp, "count": len(resp)})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := g.scheduler.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.taskResponse(task))
}

func (g *Gateway) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.scheduler.RemoveTask(r.Context(), id); err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// handleUpdateTask handles PATCH /api/scheduler/tasks/{id}; only the
// enabled flag can change.
func (g *Gateway) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		g.writeError(w, r, apierr.MissingParameter("enabled"))
		return
	}

	id := r.PathValue("id")
	var (
		task *store.ScheduledTask
		err  error
	)
	if *req.Enabled {
		task, err = g.scheduler.EnableTask(r.Context(), id)
	} else {
		task, err = g.scheduler.DisableTask(r.Context(), id)
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.taskResponse(task))
}

func (g *Gateway) handleTaskTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": scheduler.Templates()})
}
