package websocket

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	// ErrNotReady is returned by Send before the connection is usable or
	// after it started closing.
	ErrNotReady = errors.New("connection not ready")
	// ErrClosed is returned by Send once the connection is closed.
	ErrClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned by Send when the client is not draining
	// its queue fast enough.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is one accepted WebSocket client. It is the subscriber handle handed
// to the subscription registry.
type Conn struct {
	// ID identifies the connection in logs.
	ID string

	ws *websocket.Conn
	// send is never closed; writers select on done instead.
	send      chan []byte
	done      chan struct{}
	ready     atomic.Bool
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *Conn {
	c := &Conn{
		ID:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	c.ready.Store(true)
	return c
}

// Send queues payload for the write pump without blocking. A full queue
// means the client fell behind: the connection is closed with
// StatusTryAgainLater so the client reconnects and resynchronizes from a
// fresh snapshot.
func (c *Conn) Send(payload []byte) error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.abort(websocket.StatusTryAgainLater, "send buffer full")
		return ErrSendBufferFull
	}
}

// Ready reports whether the connection accepts messages.
func (c *Conn) Ready() bool {
	return c.ready.Load()
}

// Close marks the connection unusable and closes the socket. It is safe to
// call more than once.
func (c *Conn) Close() error {
	return c.closeWith(websocket.StatusNormalClosure, "")
}

// abort is closeWith without waiting for the closing handshake. Send uses it,
// and Send must not block.
func (c *Conn) abort(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		close(c.done)
		go func() { _ = c.ws.Close(code, reason) }()
	})
}

func (c *Conn) closeWith(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		close(c.done)
		err = c.ws.Close(code, reason)
	})
	return err
}
