package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	coderws "github.com/coder/websocket"
	gorillaws "github.com/gorilla/websocket"
)

const (
	// defaultReadLimit bounds one inbound frame. Snapshots of large topics
	// easily exceed the libraries' 32 KiB default.
	defaultReadLimit = 16 << 20

	writeWait = 10 * time.Second
)

// Conn is one open stream connection. Write must be safe for concurrent use.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// CoderDialer dials with github.com/coder/websocket. It is the default.
type CoderDialer struct {
	Header    http.Header
	ReadLimit int64
}

// Dial implements Dialer.
func (d CoderDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := coderws.Dial(ctx, url, &coderws.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	return &coderConn{conn: c}, nil
}

type coderConn struct {
	conn *coderws.Conn
}

func (c *coderConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *coderConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, coderws.MessageText, data)
}

func (c *coderConn) Close() error {
	return c.conn.Close(coderws.StatusNormalClosure, "")
}

// GorillaDialer dials with github.com/gorilla/websocket.
type GorillaDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// Dial implements Dialer.
func (d GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := gorillaws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)
	return &gorillaConn{ws: ws}, nil
}

// gorillaConn serialises writers since gorilla allows only one concurrent
// writer. Control frames (pings) are answered by gorilla's default handler
// while Read is running.
type gorillaConn struct {
	ws        *gorillaws.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *gorillaConn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.Close()
	})
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return data, nil
}

func (c *gorillaConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(gorillaws.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "")
		_ = c.ws.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

// NewDialer returns the dialer for a transport name: "coder" (or empty) and
// "gorilla" are supported.
func NewDialer(transport string) (Dialer, error) {
	switch transport {
	case "", "coder":
		return CoderDialer{}, nil
	case "gorilla":
		return GorillaDialer{HandshakeTimeout: writeWait}, nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", transport)
	}
}
