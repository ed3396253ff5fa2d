package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nfrund/listsync/internal/config"
	"github.com/surrealdb/surrealdb.go"
)

// ErrNotConnected is returned when an operation needs a connection that is
// not established.
var ErrNotConnected = errors.New("database not connected")

const (
	defaultMonitorInterval = 30 * time.Second
	healthCheckTimeout     = 5 * time.Second
	maxReconnectAttempts   = 5
)

// Connection manages a SurrealDB connection and re-establishes it when an
// operation fails with a connection error.
type Connection struct {
	cfg  config.Provider
	log  *slog.Logger
	mu   sync.RWMutex
	conn *surrealdb.DB

	healthy bool
	done    chan struct{}
	once    sync.Once

	newBackOff func() backoff.BackOff
	dial       func(ctx context.Context) (*surrealdb.DB, error)
}

// NewConnection creates a managed connection. Call Connect before use.
func NewConnection(cfg config.Provider) *Connection {
	c := &Connection{
		cfg:  cfg,
		log:  slog.Default().With("component", "database"),
		done: make(chan struct{}),
	}
	c.newBackOff = defaultBackOff
	c.dial = c.open
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxReconnectAttempts)
}

// Connect establishes the initial connection, retrying with exponential
// backoff. It is a no-op when already connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	return c.retryLocked(ctx)
}

// WithConnection runs fn with the live connection. When fn fails with a
// connection error the connection is re-established and fn retried.
func (c *Connection) WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	err := fn(conn)
	if err == nil || !isConnectionError(err) {
		return err
	}

	c.log.WarnContext(ctx, "Database operation failed, reconnecting",
		"error", err, "db_url", redactDBURL(c.cfg.GetDBURL()))

	c.mu.Lock()
	if rerr := c.retryLocked(ctx); rerr != nil {
		c.mu.Unlock()
		return fmt.Errorf("reconnect after %v: %w", err, rerr)
	}
	conn = c.conn
	c.mu.Unlock()
	return fn(conn)
}

// StartMonitoring checks connection health every interval until Close is
// called. A non-positive interval uses 30s.
func (c *Connection) StartMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	go c.monitor(interval)
}

// Close stops monitoring and closes the underlying connection.
func (c *Connection) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

// IsHealthy reports whether the last connect or health check succeeded.
func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// QueryTimeout is the per-query deadline callers should apply.
func (c *Connection) QueryTimeout() time.Duration {
	return c.cfg.GetDBQueryTimeout()
}

func (c *Connection) current() *surrealdb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Connection) retryLocked(ctx context.Context) error {
	op := func() error {
		conn, err := c.dial(ctx)
		if err != nil {
			c.log.DebugContext(ctx, "Database connect attempt failed",
				"error", err, "db_url", redactDBURL(c.cfg.GetDBURL()))
			return err
		}
		if c.conn != nil {
			_ = c.conn.Close(ctx)
		}
		c.conn = conn
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		c.healthy = false
		return err
	}
	c.healthy = true
	c.log.InfoContext(ctx, "Database connection established",
		"db_url", redactDBURL(c.cfg.GetDBURL()),
		"namespace", c.cfg.GetDBNs(),
		"database", c.cfg.GetDBDb())
	return nil
}

func (c *Connection) open(ctx context.Context) (*surrealdb.DB, error) {
	dbURL := c.cfg.GetDBURL()
	conn, err := surrealdb.FromEndpointURLString(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", redactDBURL(dbURL), err)
	}

	if user := c.cfg.GetDBUser(); user != "" {
		auth := &surrealdb.Auth{Username: user, Password: c.cfg.GetDBPass()}
		if _, err := conn.SignIn(ctx, auth); err != nil {
			_ = conn.Close(ctx)
			return nil, backoff.Permanent(fmt.Errorf("sign in: %w", err))
		}
	}

	if err := conn.Use(ctx, c.cfg.GetDBNs(), c.cfg.GetDBDb()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use namespace/db: %w", err)
	}
	return conn, nil
}

func (c *Connection) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			if err := c.checkHealth(ctx); err != nil {
				c.log.WarnContext(ctx, "Database health check failed, reconnecting", "error", err)
				c.mu.Lock()
				if rerr := c.retryLocked(ctx); rerr != nil {
					c.log.ErrorContext(ctx, "Database reconnect failed", "error", rerr)
				}
				c.mu.Unlock()
			}
			cancel()
		case <-c.done:
			return
		}
	}
}

func (c *Connection) checkHealth(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		c.setHealthy(false)
		return ErrNotConnected
	}
	if _, err := conn.Version(ctx); err != nil {
		c.setHealthy(false)
		return fmt.Errorf("health check for %s: %w", redactDBURL(c.cfg.GetDBURL()), err)
	}
	c.setHealthy(true)
	return nil
}

func (c *Connection) setHealthy(v bool) {
	c.mu.Lock()
	c.healthy = v
	c.mu.Unlock()
}

// isConnectionError reports whether err looks like a lost or failed
// connection rather than a query error.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "use of closed network connection")
}

// redactDBURL returns dbURL with any password replaced.
func redactDBURL(dbURL string) string {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
