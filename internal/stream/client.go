// Package stream is the client side of the list sync protocol: a resilient
// WebSocket consumer that reconnects with exponential backoff, answers
// keep-alive probes and dispatches typed events to listeners.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/nfrund/listsync/internal/protocol"
)

// Defaults used by New.
const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 2 * time.Minute
	DefaultMaxAttempts = 10
	DefaultDialTimeout = 10 * time.Second

	backoffMultiplier = 1.5
)

// State is the connection lifecycle state of a Client.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StateHandler observes state transitions. It is called with the client's
// lock held and must not call back into the Client.
type StateHandler func(from, to State)

// afterFunc schedules f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Client maintains one stream connection.
type Client struct {
	url         string
	enabled     bool
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	dialTimeout time.Duration
	dialer      Dialer
	logger      *slog.Logger
	onState     StateHandler
	after       afterFunc

	listeners listenerSet

	mu        sync.Mutex
	state     State
	conn      Conn
	cancel    context.CancelFunc
	gen       uint64
	attempts  int
	bo        *backoff.ExponentialBackOff
	stopTimer func() bool
	keys      []string
}

// Option configures a Client.
type Option func(*Client)

// WithEnabled administratively enables or disables streaming. A disabled
// client ignores Connect.
func WithEnabled(enabled bool) Option {
	return func(c *Client) { c.enabled = enabled }
}

// WithBaseDelay sets the first reconnect delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithMaxDelay caps reconnect delays. Zero leaves them uncapped.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) { c.maxDelay = d }
}

// WithMaxAttempts sets how many reconnects are scheduled before the client
// gives up. Zero or less retries forever.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithDialTimeout bounds a single dial.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithDialer replaces the default coder/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStateHandler registers an observer for state transitions.
func WithStateHandler(h StateHandler) Option {
	return func(c *Client) { c.onState = h }
}

func withAfterFunc(f afterFunc) Option {
	return func(c *Client) { c.after = f }
}

// New creates an idle client for the stream endpoint at url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		enabled:     true,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		maxAttempts: DefaultMaxAttempts,
		dialTimeout: DefaultDialTimeout,
		dialer:      CoderDialer{},
		logger:      slog.Default().With("component", "stream"),
		after:       timeAfterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bo = c.newBackOff()
	return c
}

// newBackOff yields baseDelay * 1.5^n for the n-th scheduled reconnect.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.MaxInterval = c.maxDelay
	if c.maxDelay <= 0 {
		bo.MaxInterval = time.Duration(math.MaxInt64)
	}
	bo.Reset()
	return bo
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a connection is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

// On registers fn for events of eventType, or for every event when
// eventType is Wildcard. Listeners run on the connection's read goroutine in
// registration order, typed listeners before wildcard ones.
func (c *Client) On(eventType string, fn Listener) ListenerID {
	return c.listeners.add(eventType, fn)
}

// Off removes a listener registered with On. It reports whether the
// listener was found.
func (c *Client) Off(eventType string, id ListenerID) bool {
	return c.listeners.remove(eventType, id)
}

// Connect starts connecting in the background. It does nothing when
// streaming is disabled, no endpoint is configured, or the client is
// already connecting or connected. Connecting from Idle or Terminated
// restarts the attempt counter.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.logger.Info("Streaming disabled, not connecting")
		return
	}
	if c.url == "" {
		c.logger.Info("No stream endpoint configured, not connecting")
		return
	}
	if c.state == StateConnecting || c.state == StateConnected {
		return
	}

	c.stopTimerLocked()
	c.attempts = 0
	c.bo.Reset()
	c.startLocked()
}

// Disconnect cancels any pending reconnect and closes the active connection.
// The client stays Idle until the next Connect. Calling it again is a no-op.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Close failed", "error", err)
		}
		c.conn = nil
	}
	c.setStateLocked(StateIdle)
}

// Subscribe asks the server for key and remembers it, so it is requested
// again after every reconnect. When not connected the request is only
// remembered.
func (c *Client) Subscribe(ctx context.Context, key string) error {
	c.mu.Lock()
	found := false
	for _, k := range c.keys {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		c.keys = append(c.keys, key)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, protocol.ClientFrame{Action: protocol.ActionSubscribe, Key: key})
}

// Unsubscribe forgets key and tells the server when connected.
func (c *Client) Unsubscribe(ctx context.Context, key string) error {
	c.mu.Lock()
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i:i], c.keys[i+1:]...)
			break
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, protocol.ClientFrame{Action: protocol.ActionUnsubscribe, Key: key})
}

// Resync asks the server to send a fresh snapshot of key without changing
// the remembered subscriptions.
func (c *Client) Resync(ctx context.Context, key string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, protocol.ClientFrame{Action: protocol.ActionSubscribe, Key: key})
}

// Keys returns the remembered subscriptions in the order they were added.
func (c *Client) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func (c *Client) setStateLocked(next State) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.logger.Debug("Stream state changed", "from", prev, "to", next)
	if c.onState != nil {
		c.onState(prev, next)
	}
}

func (c *Client) stopTimerLocked() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
}

// startLocked begins a new connection generation. Goroutines of older
// generations notice the mismatch and exit without touching client state.
func (c *Client) startLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting)
	go c.run(ctx, gen)
}

func (c *Client) run(ctx context.Context, gen uint64) {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.Dial(dialCtx, c.url)
	cancelDial()
	if err != nil {
		c.connectionLost(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.bo.Reset()
	c.setStateLocked(StateConnected)
	keys := append([]string(nil), c.keys...)
	c.mu.Unlock()

	c.logger.Info("Stream connected", "url", c.url, "subscriptions", len(keys))
	for _, key := range keys {
		frame := protocol.ClientFrame{Action: protocol.ActionSubscribe, Key: key}
		if err := writeJSON(ctx, conn, frame); err != nil {
			c.logger.Warn("Resubscribe failed", "key", key, "error", err)
		}
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close()
			c.connectionLost(gen, err)
			return
		}
		c.handleMessage(ctx, conn, data)
	}
}

func (c *Client) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	c.logger.Warn("Stream connection lost", "url", c.url, "error", err)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer, or moves to Terminated
// once the attempt budget is spent. At most one timer is pending.
func (c *Client) scheduleReconnectLocked() {
	if c.stopTimer != nil {
		return
	}
	if c.maxAttempts > 0 && c.attempts >= c.maxAttempts {
		c.logger.Error("Giving up reconnecting", "url", c.url, "attempts", c.attempts)
		c.setStateLocked(StateTerminated)
		return
	}

	delay := c.bo.NextBackOff()
	c.attempts++
	gen := c.gen
	c.setStateLocked(StateReconnecting)
	c.logger.Info("Scheduling reconnect", "attempt", c.attempts, "delay", delay)

	c.stopTimer = c.after(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		c.stopTimer = nil
		c.startLocked()
	})
}

func (c *Client) handleMessage(ctx context.Context, conn Conn, data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Warn("Dropping malformed frame", "size", len(data))
		return
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		c.logger.Warn("Dropping frame without a type", "size", len(data))
		return
	}

	if typ.Str == protocol.TypePing {
		pong := protocol.KeepAlive{Type: protocol.TypePong}
		if raw := gjson.GetBytes(data, "data"); raw.Exists() {
			pong.Data = json.RawMessage(raw.Raw)
		}
		if err := writeJSON(ctx, conn, pong); err != nil {
			c.logger.Warn("Failed to answer keep-alive", "error", err)
		}
		return
	}

	c.listeners.dispatch(Event{Type: typ.Str, Data: data}, c.logger)
}

func writeJSON(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(ctx, data)
}
