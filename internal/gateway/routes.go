// ABOUTME: HTTP route table and the auth and rate limit middleware chains
// ABOUTME: Every /api route is authenticated then limited per principal

package gateway

import (
	"net/http"

	"github.com/2389/coven-control/internal/auth"
	"github.com/2389/coven-control/internal/ratelimit"
)

type middleware func(http.Handler) http.Handler

func chain(h http.HandlerFunc, mws ...middleware) http.Handler {
	var out http.Handler = h
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// limitKey identifies the caller for the API and command limiters.
func limitKey(r *http.Request) string {
	if p := auth.FromContext(r.Context()); p != nil && !p.Anonymous {
		return "principal:" + p.ID
	}
	return "ip:" + ratelimit.RemoteIP(r)
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	// an untyped nil disables auth in the middleware
	var verifier auth.TokenVerifier
	if g.verifier != nil {
		verifier = g.verifier
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	authenticate := auth.HTTPAuthMiddleware(verifier, g.logger)
	apiLimit := ratelimit.Middleware(g.apiLimiter, limitKey)
	commandLimit := ratelimit.Middleware(g.commandLimiter, limitKey)
	authLimit := ratelimit.Middleware(g.authLimiter, ratelimit.RemoteIP)

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, chain(h, authenticate, apiLimit))
	}
	command := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, chain(h, authenticate, apiLimit, commandLimit))
	}

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Agent endpoint authenticates with its own token header
	mux.Handle("/ws", g.transport)

	// failed logins are limited by address before a principal exists
	mux.Handle("GET /api/auth/me", chain(g.handleMe, authLimit, authenticate, apiLimit))

	api("GET /api/agents", g.handleListAgents)
	api("GET /api/agents/{id}", g.handleGetAgent)
	api("POST /api/agents/{id}/refresh", g.handleRefreshAgent)

	command("POST /api/execute", g.handleExecute)
	command("POST /api/execute-batch", g.handleExecuteBatch)

	api("POST /api/queue", g.handleEnqueue)
	api("GET /api/queue/{agentId}", g.handleListQueue)
	api("GET /api/queue/{agentId}/status", g.handleQueueStatus)
	command("POST /api/queue/{agentId}/execute-next", g.handleExecuteNext)
	api("DELETE /api/queue/{agentId}", g.handleClearQueue)
	api("POST /api/queue/commands/{id}/fail", g.handleFailCommand)

	api("POST /api/groups", g.handleCreateGroup)
	api("GET /api/groups", g.handleListGroups)
	api("GET /api/groups/{name}", g.handleGetGroup)
	api("DELETE /api/groups/{name}", g.handleDeleteGroup)
	api("POST /api/groups/{name}/agents", g.handleAddGroupAgent)
	api("DELETE /api/groups/{name}/agents/{agentId}", g.handleRemoveGroupAgent)
	command("POST /api/groups/{name}/execute", g.handleExecuteGroup)

	api("GET /api/history", g.handleListHistory)
	api("GET /api/history/stats", g.handleHistoryStats)
	api("GET /api/history/search", g.handleSearchHistory)

	api("GET /api/notifications", g.handleListNotifications)
	api("GET /api/notifications/stream", g.handleNotificationStream)
	api("GET /api/notifications/{channel}", g.handleListNotifications)
	api("DELETE /api/notifications", g.handleClearNotifications)

	api("POST /api/scheduler/tasks", g.handleCreateTask)
	api("GET /api/scheduler/tasks", g.handleListTasks)
	api("GET /api/scheduler/tasks/{id}", g.handleGetTask)
	api("DELETE /api/scheduler/tasks/{id}", g.handleDeleteTask)
	api("PATCH /api/scheduler/tasks/{id}", g.handleUpdateTask)
	api("GET /api/scheduler/templates", g.handleTaskTemplates)

	api("GET /api/templates", g.handleListTemplates)
	command("POST /api/templates/execute", g.handleExecuteTemplate)

	api("GET /api/activity", g.handleActivity)
	api("GET /api/database/stats", g.handleDatabaseStats)
}
