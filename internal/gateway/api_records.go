// ABOUTME: Read-mostly API handlers: history, notifications, activity, templates, stats
// ABOUTME: Includes the server-sent event stream of live notifications

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-control/internal/activity"
	"github.com/2389/coven-control/internal/apierr"
	"github.com/2389/coven-control/internal/auth"
	"github.com/2389/coven-control/internal/catalog"
	"github.com/2389/coven-control/internal/notify"
	"github.com/2389/coven-control/internal/store"
)

// sseKeepalive is the interval between comment frames on idle streams.
const sseKeepalive = 15 * time.Second

// HistoryEntryResponse is the JSON form of a history entry.
type HistoryEntryResponse struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Prompt    string    `json:"prompt,omitempty"`
	Command   string    `json:"command"`
	Success   bool      `json:"success"`
	Output    string    `json:"output,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryResponse lists history entries newest first.
type HistoryResponse struct {
	Entries []HistoryEntryResponse `json:"entries"`
	Count   int                    `json:"count"`
}

// TemplateExecuteRequest is the body of POST /api/templates/execute.
type TemplateExecuteRequest struct {
	TemplateID string            `json:"template_id"`
	AgentID    string            `json:"agent_id"`
	Params     map[string]string `json:"params,omitempty"`
}

// StatsResponse is the JSON response for GET /api/database/stats.
type StatsResponse struct {
	*store.DatabaseStats
	ConnectedAgents int `json:"connected_agents"`
	ActivityEntries int `json:"activity_entries"`
	DedupeEntries   int `json:"dedupe_entries"`
}

func historyResponse(entries []*store.HistoryEntry) HistoryResponse {
	resp := HistoryResponse{Entries: make([]HistoryEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, HistoryEntryResponse{
			ID:        e.ID,
			AgentID:   e.AgentID,
			Prompt:    e.Prompt,
			Command:   e.Command,
			Success:   e.Success,
			Output:    e.Output,
			CommandID: e.CommandID,
			CreatedAt: e.CreatedAt,
		})
	}
	resp.Count = len(resp.Entries)
	return resp
}

// handleListHistory handles GET /api/history?agent_id=&limit=.
func (g *Gateway) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	entries, err := g.store.ListHistory(r.Context(), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		g.writeError(w, r, apierr.Wrap(err, http.StatusInternalServerError, apierr.CodeDatabase, "Failed to read history"))
		return
	}
	writeJSON(w, http.StatusOK, historyResponse(entries))
}

// handleHistoryStats handles GET /api/history/stats?agent_id=.
func (g *Gateway) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.store.HistoryStats(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		g.writeError(w, r, apierr.Wrap(err, http.StatusInternalServerError, apierr.CodeDatabase, "Failed to read history"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSearchHistory handles GET /api/history/search?q=&limit=.
func (g *Gateway) handleSearchHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		g.writeError(w, r, apierr.MissingParameter("q"))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	entries, err := g.store.SearchHistory(r.Context(), query, limit)
	if err != nil {
		g.writeError(w, r, apierr.Wrap(err, http.StatusInternalServerError, apierr.CodeDatabase, "Failed to search history"))
		return
	}
	writeJSON(w, http.StatusOK, historyResponse(entries))
}

// handleListNotifications handles GET /api/notifications and
// GET /api/notifications/{channel}.
func (g *Gateway) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	channel := r.PathValue("channel")
	events, err := g.hub.Recent(r.Context(), channel, limit)
	if err != nil {
		g.writeError(w, r, apierr.Wrap(err, http.StatusInternalServerError, apierr.CodeDatabase, "Failed to read notifications"))
		return
	}
	if events == nil {
		events = []*notify.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": events, "count": len(events)})
}

func (g *Gateway) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := g.hub.Clear(r.Context()); err != nil {
		g.writeError(w, r, apierr.Wrap(err, http.StatusInternalServerError, apierr.CodeDatabase, "Failed to clear notifications"))
		return
	}
	g.logger.Info("notifications cleared", "actor", auth.PrincipalID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// handleNotificationStream handles GET /api/notifications/stream?channel=.
// Without a channel every event is streamed. Each event is written with its
// channel as the SSE event type.
func (g *Gateway) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, r, errors.New("streaming not supported"))
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = notify.AllChannels
	}

	events, subID, err := g.hub.Subscribe(r.Context(), channel)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "subscribed", map[string]string{"channel": channel, "subscription_id": subID})
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, ev.Channel, ev)
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}

// handleActivity handles GET /api/activity?agent_id=&type=&limit=.
func (g *Gateway) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	var entries []*activity.Entry
	if kind := r.URL.Query().Get("type"); kind != "" {
		entries = g.activity.ByKind(activity.Kind(kind), limit)
	} else {
		entries = g.activity.Recent(limit, r.URL.Query().Get("agent_id"))
	}
	if entries == nil {
		entries = []*activity.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": entries, "count": len(entries)})
}

func (g *Gateway) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"templates":     catalog.Templates(),
		"quick_actions": catalog.QuickActions(),
	})
}

// handleExecuteTemplate handles POST /api/templates/execute.
func (g *Gateway) handleExecuteTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.writeError(w, r, err)
		return
	}

	outcome, err := g.dispatch.ExecuteTemplate(r.Context(), req.TemplateID, req.AgentID, req.Params, auth.PrincipalID(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (g *Gateway) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.store.Stats(r.Context())
	if err != nil {
		g.writeError(w, r, apierr.Wrap(err, http.StatusInternalServerError, apierr.CodeDatabase, "Failed to read database stats"))
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		DatabaseStats:   stats,
		ConnectedAgents: g.registry.Count(),
		ActivityEntries: g.activity.Len(),
		DedupeEntries:   g.results.Len(),
	})
}
