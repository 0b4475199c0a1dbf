// ABOUTME: Tests for Gateway wiring, lifecycle and the agent round trip
// ABOUTME: Uses httptest and real WebSocket agents against an in-memory store

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-control/internal/config"
	"github.com/2389/coven-control/internal/protocol"
	"github.com/2389/coven-control/internal/transport"
)

const testAgentToken = "agent-secret"

// testConfig creates a minimal config backed by an in-memory store.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Auth.AgentToken = testAgentToken
	return cfg
}

type testGateway struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, gw.Shutdown(ctx))
		srv.Close()
	})
	return &testGateway{gw: gw, srv: srv}
}

// do sends a JSON request and returns the status and decoded body.
func (tg *testGateway) do(t *testing.T, method, path string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequest(method, tg.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error body: %v", body)
	code, _ := e["code"].(string)
	return code
}

// fakeAgent is a WebSocket client speaking the agent protocol.
type fakeAgent struct {
	ws *websocket.Conn
}

func (tg *testGateway) connectAgent(t *testing.T, id, tags string) *fakeAgent {
	t.Helper()
	header := http.Header{}
	header.Set(transport.HeaderAgentID, id)
	header.Set(transport.HeaderToken, testAgentToken)
	header.Set(transport.HeaderNickname, strings.ToUpper(id))
	if tags != "" {
		header.Set(transport.HeaderTags, tags)
	}

	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.Eventually(t, func() bool { return tg.gw.registry.IsConnected(id) },
		2*time.Second, 10*time.Millisecond)
	return &fakeAgent{ws: ws}
}

func (a *fakeAgent) next(t *testing.T) *protocol.ServerMessage {
	t.Helper()
	require.NoError(t, a.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := a.ws.ReadMessage()
	require.NoError(t, err)

	var msg protocol.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func (a *fakeAgent) send(t *testing.T, msg protocol.AgentMessage) {
	t.Helper()
	require.NoError(t, a.ws.WriteJSON(msg))
}

func TestNew_InvalidAgentTokenHash(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.AgentTokenBcrypt = "not-a-bcrypt-hash"

	_, err := New(cfg, slog.Default())
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, nil)

	status, body := tg.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["agents"])

	resp, err := http.Get(tg.srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	tg.connectAgent(t, "desk", "")

	resp, err = http.Get(tg.srv.URL + "/health/ready")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 agents)", string(raw))
}

func TestAgentRoundTrip(t *testing.T) {
	tg := newTestGateway(t, nil)
	desk := tg.connectAgent(t, "desk", "lab,windows")

	status, body := tg.do(t, http.MethodPost, "/api/execute", map[string]string{
		"agent_id": "desk",
		"prompt":   "ipconfig",
	}, nil)
	require.Equal(t, http.StatusOK, status, "body: %v", body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ipconfig", body["command"])
	commandID, _ := body["command_id"].(string)
	require.NotEmpty(t, commandID)

	frame := desk.next(t)
	assert.Equal(t, protocol.TypeExecute, frame.Type)
	assert.Equal(t, commandID, frame.CommandID)
	assert.Equal(t, "ipconfig", frame.Command)

	desk.send(t, protocol.AgentMessage{
		Type:      protocol.TypeResult,
		CommandID: commandID,
		Command:   "ipconfig",
		Success:   true,
		Output:    "Windows IP Configuration",
	})

	require.Eventually(t, func() bool {
		cmd, err := tg.gw.queue.Get(context.Background(), commandID)
		return err == nil && cmd.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	status, body = tg.do(t, http.MethodGet, "/api/history?agent_id=desk", nil, nil)
	require.Equal(t, http.StatusOK, status)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "ipconfig", entry["command"])
	assert.Equal(t, "ipconfig", entry["prompt"])
	assert.Equal(t, true, entry["success"])

	status, body = tg.do(t, http.MethodGet, "/api/notifications/command.executed", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
}

func TestDuplicateResultRecordedOnce(t *testing.T) {
	tg := newTestGateway(t, nil)
	desk := tg.connectAgent(t, "desk", "")

	status, body := tg.do(t, http.MethodPost, "/api/execute", map[string]string{
		"agent_id": "desk",
		"prompt":   "hostname",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	commandID := body["command_id"].(string)
	desk.next(t)

	result := protocol.AgentMessage{Type: protocol.TypeResult, CommandID: commandID, Success: true, Output: "DESK-01"}
	desk.send(t, result)
	desk.send(t, result)
	// a later frame proves both results were read
	desk.send(t, protocol.AgentMessage{Type: protocol.TypeHeartbeat})

	require.Eventually(t, func() bool {
		stats, err := tg.gw.store.HistoryStats(context.Background(), "desk")
		return err == nil && stats.Total >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stats, err := tg.gw.store.HistoryStats(context.Background(), "desk")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestAgentDisconnectPublishes(t *testing.T) {
	tg := newTestGateway(t, nil)
	desk := tg.connectAgent(t, "desk", "")

	require.NoError(t, desk.ws.Close())
	require.Eventually(t, func() bool { return !tg.gw.registry.IsConnected("desk") },
		2*time.Second, 10*time.Millisecond)

	status, body := tg.do(t, http.MethodGet, "/api/notifications?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, status)

	var channels []string
	for _, n := range body["notifications"].([]any) {
		channels = append(channels, n.(map[string]any)["channel"].(string))
	}
	assert.Contains(t, channels, "agent.connected")
	assert.Contains(t, channels, "agent.disconnected")
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = "256.0.0.1:bad"
	gw, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(context.Background())
	assert.Error(t, err)
}

func TestAppendCloseError(t *testing.T) {
	var errs []error
	errs = appendCloseError(errs, "first", nil)
	assert.Empty(t, errs)

	errs = appendCloseError(errs, "store close", io.ErrClosedPipe)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], io.ErrClosedPipe)
	assert.Contains(t, errs[0].Error(), "store close")
}
