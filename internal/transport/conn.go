// ABOUTME: WebSocket-backed agent.Conn with a buffered outbound queue.
// ABOUTME: Send never blocks; a full buffer or closed connection is reported to the caller.

package transport

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-control/internal/protocol"
)

var (
	// ErrConnClosed is returned by Send after the connection has shut down.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when the agent is not draining its frames.
	ErrSendBufferFull = errors.New("send buffer full")
)

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *conn {
	return &conn{
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send queues msg for the write pump.
func (c *conn) Send(msg *protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close signals the write pump to send a close frame and tear the socket down.
func (c *conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
