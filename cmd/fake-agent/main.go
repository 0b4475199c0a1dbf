// ABOUTME: Minimal fake agent for E2E testing: dials the gateway WebSocket and answers frames.
// ABOUTME: Usage: fake-agent [-addr ws://localhost:3000/ws] [-id desk-01] [-token secret]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-control/internal/protocol"
	"github.com/2389/coven-control/internal/transport"
)

const heartbeatInterval = 10 * time.Second

func main() {
	addr := flag.String("addr", "ws://localhost:3000/ws", "Gateway WebSocket URL")
	agentID := flag.String("id", "e2e-fake-agent", "Agent ID")
	nickname := flag.String("name", "Fake Agent", "Agent nickname")
	tags := flag.String("tags", "test", "Comma-separated agent tags")
	token := flag.String("token", os.Getenv("COVEN_AGENT_TOKEN"), "Agent token")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	header := http.Header{}
	header.Set(transport.HeaderAgentID, *agentID)
	header.Set(transport.HeaderNickname, *nickname)
	header.Set(transport.HeaderTags, *tags)
	header.Set(transport.HeaderToken, *token)

	if err := run(ctx, *addr, header); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr string, header http.Header) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()

	fmt.Fprintf(os.Stderr, "connected to %s as %s\n", addr, header.Get(transport.HeaderAgentID))

	var writeMu sync.Mutex
	send := func(msg *protocol.AgentMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(msg)
	}

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				writeMu.Lock()
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				writeMu.Unlock()
				_ = ws.Close()
				return
			case <-ticker.C:
				if err := send(&protocol.AgentMessage{Type: protocol.TypeHeartbeat}); err != nil {
					log.Printf("heartbeat error: %v", err)
				}
			}
		}
	}()

	for {
		var msg protocol.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		reply, err := handle(&msg)
		if err != nil {
			log.Printf("ignoring frame: %v", err)
			continue
		}
		if err := send(reply); err != nil {
			log.Printf("send error: %v", err)
		}
	}
}

var errUnknownFrame = errors.New("unknown frame type")

// handle builds the reply to one server frame.
func handle(msg *protocol.ServerMessage) (*protocol.AgentMessage, error) {
	switch msg.Type {
	case protocol.TypeExecute:
		log.Printf("execute [%s]: %s", msg.CommandID, msg.Command)
		output, ok := fakeOutput(msg.Command)
		return &protocol.AgentMessage{
			Type:      protocol.TypeResult,
			CommandID: msg.CommandID,
			Command:   msg.Command,
			Success:   ok,
			Output:    output,
		}, nil
	case protocol.TypeGetSystemInfo:
		return dataMessage(protocol.TypeSystemInfo, map[string]any{
			"hostname": "e2e-test",
			"os":       "test",
			"cpus":     4,
			"memoryGb": 8,
		})
	case protocol.TypeGetQuickStats:
		return dataMessage(protocol.TypeQuickStats, map[string]any{
			"cpu":    12.5,
			"memory": 40.0,
		})
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrame, msg.Type)
	}
}

func dataMessage(kind string, data any) (*protocol.AgentMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &protocol.AgentMessage{Type: kind, Data: raw}, nil
}

// fakeOutput returns canned output; commands starting with "fail" report failure.
func fakeOutput(command string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(command))
	switch {
	case strings.HasPrefix(lower, "fail"):
		return "simulated failure", false
	case lower == "hostname":
		return "E2E-TEST", true
	default:
		return fmt.Sprintf("Echo: %s", command), true
	}
}
