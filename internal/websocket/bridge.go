// Package websocket binds the subscription registry to WebSocket clients:
// every accepted connection becomes a subscriber that can join and leave
// topics with small JSON frames.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/subscription"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Period of application level pings.
	defaultPingPeriod = 30 * time.Second
	// Queue size of a connection that is not drained.
	DefaultSendBuffer = 256
	// Largest accepted client frame.
	maxFrameSize = 64 << 10
)

// Bridge accepts WebSocket connections and routes their subscribe and
// unsubscribe frames to a subscription registry.
type Bridge struct {
	registry       *subscription.Registry
	validate       *validator.Validate
	sendBuffer     int
	pingPeriod     time.Duration
	originPatterns []string
	logger         *slog.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSendBuffer sets the per-connection outbound queue size.
func WithSendBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.sendBuffer = n
		}
	}
}

// WithPingPeriod sets how often keep-alive probes are sent.
func WithPingPeriod(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.pingPeriod = d
		}
	}
}

// WithOriginPatterns restricts accepted origins. Without patterns any origin
// is accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) {
		b.originPatterns = patterns
	}
}

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// NewBridge creates a bridge serving registry.
func NewBridge(registry *subscription.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		registry:   registry,
		validate:   validator.New(),
		sendBuffer: DefaultSendBuffer,
		pingPeriod: defaultPingPeriod,
		logger:     slog.Default().With("component", "websocket"),
		conns:      make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ConnectionCount returns the number of open connections.
func (b *Bridge) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Shutdown closes every open connection with StatusGoingAway. Handlers
// return once their read loop notices.
func (b *Bridge) Shutdown() {
	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			_ = c.closeWith(websocket.StatusGoingAway, "server shutting down")
		}(c)
	}
	wg.Wait()
	b.logger.Info("Closed WebSocket connections", "count", len(conns))
}

// Handler returns the echo handler upgrading requests to list streams. It
// blocks for the lifetime of the connection.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			OriginPatterns:     b.originPatterns,
			InsecureSkipVerify: len(b.originPatterns) == 0,
		})
		if err != nil {
			// Accept has already written the HTTP error.
			b.logger.Warn("Failed to upgrade connection to WebSocket", "error", err)
			return nil
		}
		ws.SetReadLimit(maxFrameSize)

		conn := newConn(ws, b.sendBuffer)
		logger := b.logger.With("conn", conn.ID)
		b.track(conn)
		logger.Info("Client connected", "remote", c.RealIP())

		ctx, cancel := context.WithCancel(c.Request().Context())
		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			b.writePump(ctx, conn, logger)
		}()

		b.readPump(ctx, conn, logger)

		cancel()
		b.registry.UnsubscribeAll(conn)
		_ = conn.Close()
		<-pumpDone
		b.untrack(conn)
		logger.Info("Client disconnected")
		return nil
	}
}

func (b *Bridge) track(c *Conn) {
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) untrack(c *Conn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// readPump handles client frames until the connection fails.
func (b *Bridge) readPump(ctx context.Context, conn *Conn, logger *slog.Logger) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				logger.Debug("WebSocket closed by client", "status", status)
			case errors.Is(err, io.EOF) || errors.Is(err, context.Canceled):
			default:
				logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
		b.handleFrame(conn, data, logger)
	}
}

// inboundFrame is the union of the frames a client may send.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	protocol.ClientFrame
}

func (b *Bridge) handleFrame(conn *Conn, data []byte, logger *slog.Logger) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logger.Warn("Dropping malformed client frame", "error", err)
		b.reject(conn, "", "malformed frame", logger)
		return
	}

	switch frame.Type {
	case protocol.TypePong:
		return
	case protocol.TypePing:
		b.sendJSON(conn, protocol.KeepAlive{Type: protocol.TypePong, Data: frame.Data}, logger)
		return
	}

	if err := b.validate.Struct(frame.ClientFrame); err != nil {
		logger.Warn("Rejected client frame", "action", frame.Action, "key", frame.Key, "error", err)
		b.reject(conn, frame.Key, err.Error(), logger)
		return
	}

	switch frame.Action {
	case protocol.ActionSubscribe:
		b.subscribe(conn, frame.Key, logger)
	case protocol.ActionUnsubscribe:
		b.registry.Unsubscribe(frame.Key, conn)
		logger.Debug("Unsubscribed", "key", frame.Key)
	}
}

// subscribe joins key and queues the topic snapshot ahead of any delta.
func (b *Bridge) subscribe(conn *Conn, key string, logger *slog.Logger) {
	var sendErr error
	snap := b.registry.SubscribeWith(key, conn, func(s subscription.Snapshot) {
		payload, err := json.Marshal(protocol.NewSnapshotMessage(key, s.Items, s.Version))
		if err != nil {
			sendErr = err
			return
		}
		sendErr = conn.Send(payload)
	})
	if sendErr != nil {
		// Without its snapshot the client cannot apply deltas; make it
		// reconnect instead.
		logger.Warn("Failed to queue snapshot, closing connection", "key", key, "error", sendErr)
		b.registry.Unsubscribe(key, conn)
		_ = conn.closeWith(websocket.StatusTryAgainLater, "snapshot not delivered")
		return
	}
	logger.Debug("Subscribed", "key", key, "version", snap.Version, "items", len(snap.Items))
}

func (b *Bridge) reject(conn *Conn, key, message string, logger *slog.Logger) {
	b.sendJSON(conn, protocol.NewErrorMessage(key, message), logger)
}

func (b *Bridge) sendJSON(conn *Conn, v any, logger *slog.Logger) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode frame", "error", err)
		return
	}
	if err := conn.Send(payload); err != nil {
		logger.Debug("Dropped frame", "error", err)
	}
}

// writePump drains the send queue and sends keep-alive probes. It is the only
// writer of the socket.
func (b *Bridge) writePump(ctx context.Context, conn *Conn, logger *slog.Logger) {
	ticker := time.NewTicker(b.pingPeriod)
	defer ticker.Stop()

	write := func(payload []byte) bool {
		wctx, cancel := context.WithTimeout(ctx, writeWait)
		defer cancel()
		if err := conn.ws.Write(wctx, websocket.MessageText, payload); err != nil {
			logger.Debug("WebSocket write error", "error", err)
			_ = conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case payload := <-conn.send:
			if !write(payload) {
				return
			}
		case now := <-ticker.C:
			stamp := strconv.FormatInt(now.UnixMilli(), 10)
			ping, _ := json.Marshal(protocol.KeepAlive{Type: protocol.TypePing, Data: json.RawMessage(stamp)})
			if !write(ping) {
				return
			}
		}
	}
}
