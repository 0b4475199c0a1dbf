// Package gateway orchestrates the coven-control server components.
//
// # Overview
//
// The gateway package is the central coordinator of the control plane. It
// owns the store, the notification hub, the agent registry, the queue,
// groups, the scheduler, the dispatch service and the WebSocket transport,
// and serves them over one HTTP listener.
//
// # HTTP API
//
// Every /api route passes the auth middleware and the API rate limiter.
// Routes that send commands also pass the command limiter:
//
//   - POST /api/execute, POST /api/execute-batch - run a prompt on agents
//   - /api/queue/... - inspect and drive per-agent command queues
//   - /api/groups/... - named agent groups and group execution
//   - /api/scheduler/... - recurring tasks
//   - /api/templates - catalog templates and quick actions
//   - /api/history, /api/activity, /api/notifications - records
//   - GET /api/notifications/stream - live notifications as SSE
//   - GET /health, GET /health/ready - liveness and readiness
//
// Errors are JSON bodies of the form {"error":{"code":...,"message":...}}.
//
// # SSE Streaming
//
// The notification stream writes each event with its channel as the event
// type:
//
//	event: command.executed
//	data: {"id":"...","channel":"command.executed","data":{...},"timestamp":"..."}
//
// # Agent Endpoint
//
// Agents dial /ws with X-Agent-Id and X-Agent-Token headers and keep the
// connection open. Commands flow down as execute frames; results and
// system reports flow back.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
package gateway
