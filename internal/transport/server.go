// ABOUTME: WebSocket endpoint agents connect to, with header handshake and pumps
// ABOUTME: Routes inbound frames to the registry and the dispatch handler

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-control/internal/activity"
	"github.com/2389/coven-control/internal/agent"
	"github.com/2389/coven-control/internal/auth"
	"github.com/2389/coven-control/internal/dedupe"
	"github.com/2389/coven-control/internal/protocol"
)

// Handshake headers.
const (
	HeaderAgentID  = "X-Agent-Id"
	HeaderToken    = "X-Agent-Token"
	HeaderNickname = "X-Agent-Nickname"
	HeaderTags     = "X-Agent-Tags"
)

// Handler consumes frames that carry more than liveness.
type Handler interface {
	HandleResult(ctx context.Context, agentID string, msg *protocol.AgentMessage)
	HandleReport(agentID string, msg *protocol.AgentMessage)
}

// Config tunes per-connection limits.
type Config struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	// MessageRate is the sustained inbound frames per second; zero disables throttling.
	MessageRate  float64
	MessageBurst int
	SendBuffer   int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1 << 20,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    90 * time.Second,
		MessageRate:    20,
		MessageBurst:   40,
		SendBuffer:     64,
	}
}

// Deps are the collaborators a Server routes frames to.
type Deps struct {
	Registry *agent.Registry
	Handler  Handler
	Tokens   *auth.AgentTokenVerifier
	Results  *dedupe.Cache
	Activity *activity.Feed
}

// Server upgrades agent connections and runs their pumps.
type Server struct {
	registry *agent.Registry
	handler  Handler
	tokens   *auth.AgentTokenVerifier
	results  *dedupe.Cache
	activity *activity.Feed
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a Server. Zero fields in cfg fall back to DefaultConfig.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 1
	}
	if deps.Activity == nil {
		deps.Activity = activity.NewFeed(0)
	}

	return &Server{
		registry: deps.Registry,
		handler:  deps.Handler,
		tokens:   deps.Tokens,
		results:  deps.Results,
		activity: deps.Activity,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents are not browsers; they authenticate with the token header
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "transport"),
		conns:  make(map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the agent until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.Header.Get(HeaderAgentID))
	meta := agent.Metadata{
		Nickname:   strings.TrimSpace(r.Header.Get(HeaderNickname)),
		Tags:       parseTags(r.Header.Get(HeaderTags)),
		RemoteAddr: r.RemoteAddr,
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	if agentID == "" {
		s.reject(ws, "Missing agent id")
		return
	}
	if err := s.tokens.Verify(r.Header.Get(HeaderToken)); err != nil {
		s.logger.Warn("agent token rejected", "agent_id", agentID, "remote_addr", r.RemoteAddr)
		s.reject(ws, "Invalid token")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	c := newConn(ws, s.cfg.SendBuffer)
	if !s.track(c) {
		s.reject(ws, "Server shutting down")
		return
	}
	defer s.untrack(c)

	s.registry.OnConnect(ctx, agentID, meta, c)
	s.activity.Add(agentID, activity.KindConnection, map[string]any{
		"nickname": meta.Nickname,
		"tags":     meta.Tags,
		"action":   "connected",
	})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.writePump(agentID, c)
	}()

	s.readPump(ctx, agentID, c)
	c.Close()
	<-pumpDone

	if s.registry.DisconnectIfCurrent(ctx, agentID, c) {
		s.activity.Add(agentID, activity.KindConnection, map[string]any{
			"nickname": meta.Nickname,
			"action":   "disconnected",
		})
	}
}

// Close disconnects every agent and waits for their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, c)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// reject closes a freshly upgraded socket with a policy violation.
func (s *Server) reject(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
	_ = ws.Close()
}

func (s *Server) readPump(ctx context.Context, agentID string, c *conn) {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	limit := rate.Inf
	if s.cfg.MessageRate > 0 {
		limit = rate.Limit(s.cfg.MessageRate)
	}
	limiter := rate.NewLimiter(limit, s.cfg.MessageBurst)
	dropped := 0

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closed() {
				s.logger.Debug("agent read ended", "agent_id", agentID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("undecodable frame from agent", "agent_id", agentID, "error", err)
			continue
		}

		// Results close out a command's lifecycle and are never throttled.
		if msg.Type != protocol.TypeResult && !limiter.Allow() {
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				s.logger.Warn("agent exceeding message rate, dropping frames", "agent_id", agentID, "dropped", dropped)
			}
			continue
		}
		s.route(ctx, agentID, c, msg)
	}
}

func (s *Server) route(ctx context.Context, agentID string, c *conn, msg *protocol.AgentMessage) {
	if !s.registry.IsCurrent(agentID, c) {
		s.logger.Debug("frame from replaced connection", "agent_id", agentID, "type", msg.Type)
		return
	}
	if err := s.registry.OnMessage(ctx, agentID, msg); err != nil && !errors.Is(err, agent.ErrAgentNotFound) {
		s.logger.Error("recording agent frame", "agent_id", agentID, "error", err)
	}

	if msg.Type != protocol.TypeResult {
		s.handler.HandleReport(agentID, msg)
		return
	}

	if msg.CommandID != "" && s.results != nil && s.results.CheckAndMark(dedupe.ResultKey(agentID, msg.CommandID, msg.Success)) {
		s.logger.Debug("duplicate result dropped", "agent_id", agentID, "command_id", msg.CommandID)
		return
	}
	s.handler.HandleResult(ctx, agentID, msg)
}

func (s *Server) writePump(agentID string, c *conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("write to agent failed", "agent_id", agentID, "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func parseTags(header string) []string {
	if header == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(header, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
