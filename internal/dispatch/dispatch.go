// ABOUTME: Command dispatch: generate, validate, enqueue, mark executing, send
// ABOUTME: Also closes out command lifecycles when agents report results

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-control/internal/activity"
	"github.com/2389/coven-control/internal/agent"
	"github.com/2389/coven-control/internal/catalog"
	"github.com/2389/coven-control/internal/generate"
	"github.com/2389/coven-control/internal/groups"
	"github.com/2389/coven-control/internal/guard"
	"github.com/2389/coven-control/internal/notify"
	"github.com/2389/coven-control/internal/protocol"
	"github.com/2389/coven-control/internal/queue"
	"github.com/2389/coven-control/internal/store"
)

var (
	// ErrBlocked is the sentinel behind every BlockedError.
	ErrBlocked = errors.New("command blocked")

	// ErrNoTargets is returned when a batch resolves to no agents.
	ErrNoTargets = errors.New("no target agents")

	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid dispatch request")
)

// BlockedError carries the policy's rejection reason.
type BlockedError struct {
	Command string
	Reason  string
}

func (e *BlockedError) Error() string { return "command blocked: " + e.Reason }
func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Publisher receives dispatch events.
type Publisher interface {
	Publish(ctx context.Context, channel string, data any)
}

// Request is a single-agent prompt execution.
type Request struct {
	AgentID string `json:"agent_id"`
	Prompt  string `json:"prompt"`
	Actor   string `json:"-"`
}

// BatchRequest targets explicit agents, agents by tag, or every agent.
type BatchRequest struct {
	Prompt   string   `json:"prompt"`
	AgentIDs []string `json:"agent_ids,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Actor    string   `json:"-"`
}

// Outcome is the result of dispatching to one agent.
type Outcome struct {
	AgentID   string `json:"agent_id"`
	CommandID string `json:"command_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// BatchResult collects per-target outcomes.
type BatchResult struct {
	Command string    `json:"command"`
	Results []Outcome `json:"results"`
	Total   int       `json:"total_agents"`
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Registry  *agent.Registry
	Queue     *queue.Queue
	Groups    *groups.Manager
	Generator generate.Generator
	Policy    *guard.Policy
	History   store.HistoryStore
	Activity  *activity.Feed
	Publisher Publisher
}

// Service runs dispatch flows.
type Service struct {
	registry            *agent.Registry
	queue               *queue.Queue
	groups              *groups.Manager
	generator           generate.Generator
	policy              *guard.Policy
	history             store.HistoryStore
	activity            *activity.Feed
	publisher           Publisher
	requireConfirmation bool
	now                 func() time.Time
	logger              *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRequireConfirmation asks agents to confirm single-agent prompt executions.
func WithRequireConfirmation(v bool) Option {
	return func(s *Service) { s.requireConfirmation = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service.
func New(deps Deps, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		registry:  deps.Registry,
		queue:     deps.Queue,
		groups:    deps.Groups,
		generator: deps.Generator,
		policy:    deps.Policy,
		history:   deps.History,
		activity:  deps.Activity,
		publisher: deps.Publisher,
		now:       time.Now,
		logger:    logger.With("component", "dispatch"),
	}
	if s.generator == nil {
		s.generator = generate.Passthrough{}
	}
	if s.policy == nil {
		s.policy = &guard.Policy{}
	}
	if s.activity == nil {
		s.activity = activity.NewFeed(0)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute turns a prompt into a command and runs it on one agent.
func (s *Service) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.AgentID == "" || req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt and agentId are required", ErrInvalidRequest)
	}
	if !s.registry.IsConnected(req.AgentID) {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, req.AgentID)
	}

	command, err := s.prepare(ctx, req.Prompt, req.AgentID, req.Actor)
	if err != nil {
		return nil, err
	}

	id, err := s.queue.Enqueue(ctx, req.AgentID, command, req.Prompt)
	if err != nil {
		return nil, err
	}
	if err := s.run(ctx, id, req.AgentID, command, s.requireConfirmation); err != nil {
		return nil, err
	}

	s.logger.Info("command dispatched", "agent_id", req.AgentID, "command_id", id, "actor", req.Actor)
	return &Outcome{AgentID: req.AgentID, CommandID: id, Command: command, Success: true}, nil
}

// ExecuteBatch generates and validates once, then sends to every target.
// Individual send failures are reported per target.
func (s *Service) ExecuteBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	sel := s.registry.Select(agent.Selector{AgentIDs: req.AgentIDs, Tags: req.Tags})
	if len(sel.AgentIDs) == 0 {
		return nil, ErrNoTargets
	}

	command, err := s.prepare(ctx, req.Prompt, "", req.Actor)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Command: command}
	for _, id := range sel.AgentIDs {
		result.Results = append(result.Results, s.dispatchTo(ctx, id, command, req.Prompt))
	}
	for _, id := range sel.Missing {
		result.Results = append(result.Results, Outcome{AgentID: id, Error: "agent not connected"})
	}
	result.Total = len(result.Results)

	s.logger.Info("batch dispatched", "targets", result.Total, "actor", req.Actor)
	return result, nil
}

// ExecuteGroup runs a prompt on every member of a group. Members that are not
// connected are reported as failed outcomes.
func (s *Service) ExecuteGroup(ctx context.Context, group, prompt, actor string) (*BatchResult, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	members, err := s.groups.Members(ctx, group)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: group %s has no members", ErrNoTargets, group)
	}

	command, err := s.prepare(ctx, prompt, "", actor)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Command: command}
	for _, id := range members {
		if !s.registry.IsConnected(id) {
			result.Results = append(result.Results, Outcome{AgentID: id, Error: "agent not connected"})
			continue
		}
		result.Results = append(result.Results, s.dispatchTo(ctx, id, command, prompt))
	}
	result.Total = len(result.Results)

	s.logger.Info("group dispatched", "group", group, "targets", result.Total, "actor", actor)
	return result, nil
}

// ExecuteTemplate renders a catalog template and runs it on one agent.
func (s *Service) ExecuteTemplate(ctx context.Context, templateID, agentID string, params map[string]string, actor string) (*Outcome, error) {
	if templateID == "" || agentID == "" {
		return nil, fmt.Errorf("%w: templateId and agentId are required", ErrInvalidRequest)
	}
	if !s.registry.IsConnected(agentID) {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}

	command, err := catalog.Render(templateID, params)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, command, agentID, actor); err != nil {
		return nil, err
	}

	id, err := s.queue.Enqueue(ctx, agentID, command, "")
	if err != nil {
		return nil, err
	}
	if err := s.run(ctx, id, agentID, command, false); err != nil {
		return nil, err
	}
	return &Outcome{AgentID: agentID, CommandID: id, Command: command, Success: true}, nil
}

// Enqueue generates and validates a command and leaves it pending.
func (s *Service) Enqueue(ctx context.Context, agentID, prompt, actor string) (*Outcome, error) {
	if agentID == "" || prompt == "" {
		return nil, fmt.Errorf("%w: prompt and agentId are required", ErrInvalidRequest)
	}

	command, err := s.prepare(ctx, prompt, agentID, actor)
	if err != nil {
		return nil, err
	}
	id, err := s.queue.Enqueue(ctx, agentID, command, prompt)
	if err != nil {
		return nil, err
	}
	return &Outcome{AgentID: agentID, CommandID: id, Command: command, Success: true}, nil
}

// ExecuteNext sends the agent's oldest pending command.
func (s *Service) ExecuteNext(ctx context.Context, agentID string) (*store.QueuedCommand, error) {
	if !s.registry.IsConnected(agentID) {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}

	next, err := s.queue.NextPending(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.run(ctx, next.ID, agentID, next.Command, false); err != nil {
		return nil, err
	}
	return s.queue.Get(ctx, next.ID)
}

// RunScheduled is the scheduler's dispatch callback. Commands are sent in
// order; entries naming a catalog template run that template's command.
func (s *Service) RunScheduled(ctx context.Context, agentID string, commands []string) error {
	if !s.registry.IsConnected(agentID) {
		return fmt.Errorf("%w: %s", agent.ErrAgentNotFound, agentID)
	}

	var errs []error
	for _, entry := range commands {
		command, _ := catalog.Resolve(entry)
		if err := s.validate(ctx, command, agentID, "scheduler"); err != nil {
			errs = append(errs, err)
			continue
		}

		id := "sched-" + s.queue.NewID(agentID)
		if err := s.queue.EnqueueWithID(ctx, id, agentID, command, ""); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.run(ctx, id, agentID, command, false); err != nil {
			errs = append(errs, err)
			// the connection is gone; the rest would fail the same way
			if errors.Is(err, agent.ErrAgentNotFound) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// RefreshSystemInfo asks an agent for a new system report.
func (s *Service) RefreshSystemInfo(ctx context.Context, agentID string) error {
	return s.registry.Send(agentID, protocol.RequestSystemInfo())
}

// prepare generates a command from a prompt and applies the policy.
func (s *Service) prepare(ctx context.Context, prompt, agentID, actor string) (string, error) {
	command, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		s.logger.Warn("command generation failed", "agent_id", agentID, "error", err)
		return "", err
	}
	s.logger.Debug("command generated", "agent_id", agentID, "command", command)

	if err := s.validate(ctx, command, agentID, actor); err != nil {
		return "", err
	}
	return command, nil
}

func (s *Service) validate(ctx context.Context, command, agentID, actor string) error {
	verdict := s.policy.Validate(command)
	if verdict.Allowed {
		return nil
	}

	s.logger.Warn("command blocked",
		"agent_id", agentID,
		"command", command,
		"reason", verdict.Reason,
		"actor", actor,
	)
	s.publish(ctx, notify.ChannelSecurityAlert, map[string]any{
		"agent_id":  agentID,
		"command":   command,
		"reason":    verdict.Reason,
		"user":      actor,
		"timestamp": s.now().UTC(),
	})
	return &BlockedError{Command: command, Reason: verdict.Reason}
}

// dispatchTo enqueues and sends one command, folding any error into the outcome.
func (s *Service) dispatchTo(ctx context.Context, agentID, command, prompt string) Outcome {
	id, err := s.queue.Enqueue(ctx, agentID, command, prompt)
	if err != nil {
		return Outcome{AgentID: agentID, Command: command, Error: err.Error()}
	}
	if err := s.run(ctx, id, agentID, command, false); err != nil {
		return Outcome{AgentID: agentID, CommandID: id, Command: command, Error: err.Error()}
	}
	return Outcome{AgentID: agentID, CommandID: id, Command: command, Success: true}
}

// run marks a queued command executing and sends it. A failed send marks
// the command failed.
func (s *Service) run(ctx context.Context, id, agentID, command string, confirm bool) error {
	if _, err := s.queue.MarkExecuting(ctx, id); err != nil {
		return err
	}

	sendErr := s.registry.Send(agentID, protocol.Execute(id, command, confirm))
	if sendErr == nil {
		return nil
	}

	if _, err := s.queue.MarkFailed(ctx, id, sendErr.Error()); err != nil {
		s.logger.Error("recording send failure", "command_id", id, "error", err)
	}
	s.activity.Add(agentID, activity.KindError, map[string]any{
		"command_id": id,
		"error":      sendErr.Error(),
	})
	return sendErr
}

func (s *Service) publish(ctx context.Context, channel string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, channel, data)
	}
}
