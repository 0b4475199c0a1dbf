package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-control/internal/activity"
	"github.com/2389/coven-control/internal/agent"
	"github.com/2389/coven-control/internal/generate"
	"github.com/2389/coven-control/internal/groups"
	"github.com/2389/coven-control/internal/guard"
	"github.com/2389/coven-control/internal/keymutex"
	"github.com/2389/coven-control/internal/notify"
	"github.com/2389/coven-control/internal/protocol"
	"github.com/2389/coven-control/internal/queue"
	"github.com/2389/coven-control/internal/store"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []*protocol.ServerMessage
	sendErr error
}

func (c *fakeConn) Send(msg *protocol.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() []*protocol.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.ServerMessage(nil), c.sent...)
}

type published struct {
	channel string
	data    map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, _ := data.(map[string]any)
	p.events = append(p.events, published{channel: channel, data: m})
}

func (p *recordingPublisher) on(channel string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.channel == channel {
			out = append(out, e)
		}
	}
	return out
}

// upperGenerator maps prompts to commands deterministically.
type upperGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *upperGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	switch prompt {
	case "show ip":
		return "ipconfig", nil
	case "power off":
		return "shutdown /s /t 0", nil
	}
	return strings.ToLower(prompt), nil
}

type harness struct {
	svc       *Service
	registry  *agent.Registry
	queue     *queue.Queue
	groups    *groups.Manager
	store     *store.MockStore
	gen       *upperGenerator
	publisher *recordingPublisher
	feed      *activity.Feed
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := slog.Default()
	s := store.NewMockStore()
	locks := keymutex.New()
	h := &harness{
		registry:  agent.NewRegistry(logger),
		queue:     queue.New(s, locks, logger),
		groups:    groups.New(s, locks, logger),
		store:     s,
		gen:       &upperGenerator{},
		publisher: &recordingPublisher{},
		feed:      activity.NewFeed(0),
	}
	h.svc = New(Deps{
		Registry:  h.registry,
		Queue:     h.queue,
		Groups:    h.groups,
		Generator: h.gen,
		Policy:    guard.NewPolicy(0, []string{"password"}, nil),
		History:   s,
		Activity:  h.feed,
		Publisher: h.publisher,
	}, logger, opts...)
	return h
}

func (h *harness) connect(id string, tags ...string) *fakeConn {
	conn := &fakeConn{}
	h.registry.OnConnect(context.Background(), id, agent.Metadata{Tags: tags}, conn)
	return conn
}

func TestExecute(t *testing.T) {
	h := newHarness(t, WithRequireConfirmation(true))
	conn := h.connect("desk")
	ctx := context.Background()

	out, err := h.svc.Execute(ctx, Request{AgentID: "desk", Prompt: "show ip", Actor: "alice"})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "ipconfig", out.Command)
	assert.True(t, strings.HasPrefix(out.CommandID, "desk-"))

	sent := conn.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeExecute, sent[0].Type)
	assert.Equal(t, out.CommandID, sent[0].CommandID)
	assert.Equal(t, "ipconfig", sent[0].Command)
	assert.True(t, sent[0].RequireConfirmation)

	cmd, err := h.queue.Get(ctx, out.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuting, cmd.Status)
	assert.Equal(t, "show ip", cmd.Prompt)
}

func TestExecute_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("missing fields", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Execute(ctx, Request{AgentID: "desk"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("unknown agent skips generation", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Execute(ctx, Request{AgentID: "ghost", Prompt: "show ip"})
		assert.ErrorIs(t, err, agent.ErrAgentNotFound)
		assert.Zero(t, h.gen.calls)
	})

	t.Run("blocked by policy", func(t *testing.T) {
		h := newHarness(t)
		conn := h.connect("desk")

		_, err := h.svc.Execute(ctx, Request{AgentID: "desk", Prompt: "power off", Actor: "alice"})
		require.ErrorIs(t, err, ErrBlocked)

		var blocked *BlockedError
		require.True(t, errors.As(err, &blocked))
		assert.Equal(t, guard.ReasonDangerous, blocked.Reason)
		assert.Empty(t, conn.messages())

		alerts := h.publisher.on(notify.ChannelSecurityAlert)
		require.Len(t, alerts, 1)
		assert.Equal(t, "alice", alerts[0].data["user"])
		assert.Equal(t, "desk", alerts[0].data["agent_id"])

		cmds, err := h.queue.List(ctx, "desk")
		require.NoError(t, err)
		assert.Empty(t, cmds, "blocked commands are never queued")
	})

	t.Run("generator failure", func(t *testing.T) {
		h := newHarness(t)
		h.connect("desk")
		h.gen.err = generate.ErrUnavailable

		_, err := h.svc.Execute(ctx, Request{AgentID: "desk", Prompt: "show ip"})
		assert.ErrorIs(t, err, generate.ErrUnavailable)
	})

	t.Run("send failure marks command failed", func(t *testing.T) {
		h := newHarness(t)
		conn := h.connect("desk")
		conn.sendErr = errors.New("broken pipe")

		_, err := h.svc.Execute(ctx, Request{AgentID: "desk", Prompt: "show ip"})
		require.ErrorIs(t, err, agent.ErrTransport)

		cmds, err := h.queue.List(ctx, "desk")
		require.NoError(t, err)
		require.Len(t, cmds, 1)
		assert.Equal(t, store.StatusFailed, cmds[0].Status)
		assert.Contains(t, cmds[0].Result, "broken pipe")

		errs := h.feed.ByKind(activity.KindError, 10)
		assert.Len(t, errs, 1)
	})
}

func TestExecuteBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("by tag", func(t *testing.T) {
		h := newHarness(t)
		a := h.connect("a", "lab")
		b := h.connect("b", "office")
		c := h.connect("c", "lab")

		res, err := h.svc.ExecuteBatch(ctx, BatchRequest{Prompt: "show ip", Tags: []string{"lab"}})
		require.NoError(t, err)
		assert.Equal(t, "ipconfig", res.Command)
		assert.Equal(t, 2, res.Total)
		assert.Len(t, a.messages(), 1)
		assert.Empty(t, b.messages())
		assert.Len(t, c.messages(), 1)
		assert.Equal(t, 1, h.gen.calls, "generated once for the batch")
		for _, sent := range append(a.messages(), c.messages()...) {
			assert.False(t, sent.RequireConfirmation)
		}
	})

	t.Run("explicit ids report missing agents", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a")

		res, err := h.svc.ExecuteBatch(ctx, BatchRequest{Prompt: "show ip", AgentIDs: []string{"a", "ghost"}})
		require.NoError(t, err)
		require.Len(t, res.Results, 2)
		assert.True(t, res.Results[0].Success)
		assert.Equal(t, "ghost", res.Results[1].AgentID)
		assert.False(t, res.Results[1].Success)
	})

	t.Run("one failing target does not fail the batch", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a")
		bad := h.connect("b")
		bad.sendErr = errors.New("closed")

		res, err := h.svc.ExecuteBatch(ctx, BatchRequest{Prompt: "show ip"})
		require.NoError(t, err)
		require.Len(t, res.Results, 2)
		assert.True(t, res.Results[0].Success)
		assert.False(t, res.Results[1].Success)
		assert.NotEmpty(t, res.Results[1].Error)
	})

	t.Run("no targets", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.ExecuteBatch(ctx, BatchRequest{Prompt: "show ip"})
		assert.ErrorIs(t, err, ErrNoTargets)
	})

	t.Run("blocked", func(t *testing.T) {
		h := newHarness(t)
		h.connect("a")
		_, err := h.svc.ExecuteBatch(ctx, BatchRequest{Prompt: "power off"})
		assert.ErrorIs(t, err, ErrBlocked)
	})
}

func TestExecuteGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := h.connect("desk")

	_, err := h.groups.Create(ctx, "lab", "")
	require.NoError(t, err)

	_, err = h.svc.ExecuteGroup(ctx, "lab", "show ip", "alice")
	assert.ErrorIs(t, err, ErrNoTargets)

	require.NoError(t, h.groups.AddAgent(ctx, "lab", "desk"))
	require.NoError(t, h.groups.AddAgent(ctx, "lab", "offline-box"))

	res, err := h.svc.ExecuteGroup(ctx, "lab", "show ip", "alice")
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "offline-box", res.Results[1].AgentID)
	assert.Equal(t, "agent not connected", res.Results[1].Error)
	assert.Len(t, conn.messages(), 1)

	_, err = h.svc.ExecuteGroup(ctx, "ghost", "show ip", "alice")
	assert.ErrorIs(t, err, groups.ErrGroupNotFound)
}

func TestExecuteTemplate(t *testing.T) {
	h := newHarness(t, WithRequireConfirmation(true))
	ctx := context.Background()
	conn := h.connect("desk")

	out, err := h.svc.ExecuteTemplate(ctx, "pingTest", "desk", map[string]string{"host": "example.com"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "ping example.com -n 4", out.Command)

	sent := conn.messages()
	require.Len(t, sent, 1)
	assert.False(t, sent[0].RequireConfirmation)

	_, err = h.svc.ExecuteTemplate(ctx, "nope", "desk", nil, "alice")
	assert.Error(t, err)

	_, err = h.svc.ExecuteTemplate(ctx, "systemInfo", "ghost", nil, "alice")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestEnqueueAndExecuteNext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Enqueue(ctx, "desk", "show ip", "alice")
	require.NoError(t, err)
	_, err = h.svc.Enqueue(ctx, "desk", "hostname", "alice")
	require.NoError(t, err)

	_, err = h.svc.ExecuteNext(ctx, "desk")
	assert.ErrorIs(t, err, agent.ErrAgentNotFound, "queueing does not need a connection, sending does")

	conn := h.connect("desk")
	cmd, err := h.svc.ExecuteNext(ctx, "desk")
	require.NoError(t, err)
	assert.Equal(t, first.CommandID, cmd.ID)
	assert.Equal(t, store.StatusExecuting, cmd.Status)
	require.Len(t, conn.messages(), 1)
	assert.Equal(t, "ipconfig", conn.messages()[0].Command)

	_, err = h.svc.ExecuteNext(ctx, "desk")
	require.NoError(t, err)
	_, err = h.svc.ExecuteNext(ctx, "desk")
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)

	_, err = h.svc.Enqueue(ctx, "desk", "power off", "alice")
	assert.ErrorIs(t, err, ErrBlocked)
}

func TestRunScheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.RunScheduled(ctx, "desk", []string{"diskSpace"})
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)

	conn := h.connect("desk")
	err = h.svc.RunScheduled(ctx, "desk", []string{"diskSpace", "whoami", "shutdown /r"})
	require.ErrorIs(t, err, ErrBlocked, "blocked entries are reported")

	sent := conn.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "wmic logicaldisk get name,size,freespace", sent[0].Command)
	assert.Equal(t, "whoami", sent[1].Command)
	for _, msg := range sent {
		assert.True(t, strings.HasPrefix(msg.CommandID, "sched-desk-"), msg.CommandID)
		assert.False(t, msg.RequireConfirmation)
	}
	assert.NotEqual(t, sent[0].CommandID, sent[1].CommandID)
}

func TestHandleResult(t *testing.T) {
	ctx := context.Background()

	t.Run("success completes the queued command", func(t *testing.T) {
		h := newHarness(t)
		h.connect("desk")
		out, err := h.svc.Execute(ctx, Request{AgentID: "desk", Prompt: "show ip"})
		require.NoError(t, err)

		h.svc.HandleResult(ctx, "desk", &protocol.AgentMessage{
			Type:      protocol.TypeResult,
			CommandID: out.CommandID,
			Success:   true,
			Output:    "Windows IP Configuration",
		})

		cmd, err := h.queue.Get(ctx, out.CommandID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, cmd.Status)
		assert.Contains(t, cmd.Result, "Windows IP Configuration")

		hist, err := h.store.ListHistory(ctx, "desk", 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "show ip", hist[0].Prompt)
		assert.Equal(t, "ipconfig", hist[0].Command)
		assert.True(t, hist[0].Success)

		assert.Len(t, h.publisher.on(notify.ChannelCommandExecuted), 1)
		assert.Len(t, h.feed.ByKind(activity.KindCommand, 10), 1)
	})

	t.Run("failure without output gets a default reason", func(t *testing.T) {
		h := newHarness(t)
		h.connect("desk")
		out, err := h.svc.Execute(ctx, Request{AgentID: "desk", Prompt: "show ip"})
		require.NoError(t, err)

		h.svc.HandleResult(ctx, "desk", &protocol.AgentMessage{Type: protocol.TypeResult, CommandID: out.CommandID})

		cmd, err := h.queue.Get(ctx, out.CommandID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, cmd.Status)
		assert.Equal(t, "Command failed", cmd.Result)

		failed := h.publisher.on(notify.ChannelCommandFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, out.CommandID, failed[0].data["command_id"])
	})

	t.Run("duplicate result keeps first payload", func(t *testing.T) {
		h := newHarness(t)
		h.connect("desk")
		out, err := h.svc.Execute(ctx, Request{AgentID: "desk", Prompt: "show ip"})
		require.NoError(t, err)

		msg := &protocol.AgentMessage{Type: protocol.TypeResult, CommandID: out.CommandID, Success: true, Output: "first"}
		h.svc.HandleResult(ctx, "desk", msg)
		msg.Output = "second"
		h.svc.HandleResult(ctx, "desk", msg)

		cmd, err := h.queue.Get(ctx, out.CommandID)
		require.NoError(t, err)
		assert.Contains(t, cmd.Result, "first")
	})

	t.Run("result from another agent leaves command alone", func(t *testing.T) {
		h := newHarness(t)
		h.connect("desk")
		h.connect("lab")
		out, err := h.svc.Execute(ctx, Request{AgentID: "desk", Prompt: "show ip"})
		require.NoError(t, err)

		h.svc.HandleResult(ctx, "lab", &protocol.AgentMessage{
			Type:      protocol.TypeResult,
			CommandID: out.CommandID,
			Success:   true,
			Output:    "spoofed",
		})

		cmd, err := h.queue.Get(ctx, out.CommandID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusExecuting, cmd.Status)
		assert.Empty(t, cmd.Result)

		hist, err := h.store.ListHistory(ctx, "lab", 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Empty(t, hist[0].Prompt, "owner's prompt is not attached")
	})

	t.Run("untracked command still recorded", func(t *testing.T) {
		h := newHarness(t)
		h.svc.HandleResult(ctx, "desk", &protocol.AgentMessage{
			Type:      protocol.TypeResult,
			CommandID: "manual-1",
			Command:   "dir",
			Success:   true,
			Output:    strings.Repeat("x", 500),
		})

		hist, err := h.store.ListHistory(ctx, "desk", 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "dir", hist[0].Command)

		entries := h.feed.Recent(1, "desk")
		require.Len(t, entries, 1)
		data := entries[0].Data.(map[string]any)
		assert.Len(t, data["output"], activityOutputLimit)
	})
}

func TestHandleReport(t *testing.T) {
	h := newHarness(t)
	h.svc.HandleReport("desk", &protocol.AgentMessage{Type: protocol.TypeAgentInfo, Data: []byte(`{"os":"Windows 11"}`)})
	h.svc.HandleReport("desk", &protocol.AgentMessage{Type: protocol.TypeHeartbeat})

	assert.Len(t, h.feed.ByKind(activity.KindSystemInfo, 10), 1)
	assert.Equal(t, 1, h.feed.Len())
}

func TestRefreshSystemInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.RefreshSystemInfo(ctx, "desk"), agent.ErrAgentNotFound)

	conn := h.connect("desk")
	require.NoError(t, h.svc.RefreshSystemInfo(ctx, "desk"))
	require.Len(t, conn.messages(), 1)
	assert.Equal(t, protocol.TypeGetSystemInfo, conn.messages()[0].Type)
}
