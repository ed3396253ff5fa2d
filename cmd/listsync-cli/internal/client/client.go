// Package client talks to the listsync HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nfrund/listsync/internal/handlers"
	"github.com/nfrund/listsync/internal/snapshot"
)

// ErrNotFound is returned when the server does not know a list.
var ErrNotFound = errors.New("list not found")

// Client is a thin wrapper around the /api/lists endpoints.
type Client struct {
	http    *resty.Client
	baseURL string
}

// New creates a client for the server at baseURL (for example
// "http://localhost:8080").
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server URL must have a host, got %q", baseURL)
	}
	base := strings.TrimRight(u.String(), "/")

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second)
	rc.AddRetryCondition(retryCondition)

	return &Client{http: rc, baseURL: base}, nil
}

// retryCondition retries network errors and 5xx responses. Pushes are
// idempotent, so retrying a PUT is safe.
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	return r.StatusCode() >= http.StatusInternalServerError
}

// StreamURL derives the websocket endpoint from the server URL.
func (c *Client) StreamURL() string {
	if rest, ok := strings.CutPrefix(c.baseURL, "https://"); ok {
		return "wss://" + rest + "/ws/lists"
	}
	return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/ws/lists"
}

// Lists returns registry statistics and a summary of every topic.
func (c *Client) Lists(ctx context.Context) (*handlers.ListsResponse, error) {
	var out handlers.ListsResponse
	var apiErr handlers.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/api/lists")
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp, apiErr)
	}
	return &out, nil
}

// Get returns the current snapshot of key.
func (c *Client) Get(ctx context.Context, key string) (*handlers.SnapshotResponse, error) {
	var out handlers.SnapshotResponse
	var apiErr handlers.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("key", key).
		SetResult(&out).
		SetError(&apiErr).
		Get("/api/lists/{key}")
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if resp.IsError() {
		return nil, responseError(resp, apiErr)
	}
	return &out, nil
}

// Push queues a full snapshot for key.
func (c *Client) Push(ctx context.Context, key string, items []snapshot.Item) (*handlers.AcceptedResponse, error) {
	if items == nil {
		items = []snapshot.Item{}
	}
	var out handlers.AcceptedResponse
	var apiErr handlers.ErrorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("key", key).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"items": items}).
		SetResult(&out).
		SetError(&apiErr).
		Put("/api/lists/{key}")
	if err != nil {
		return nil, fmt.Errorf("push %s: %w", key, err)
	}
	if resp.IsError() {
		return nil, responseError(resp, apiErr)
	}
	return &out, nil
}

func responseError(resp *resty.Response, apiErr handlers.ErrorResponse) error {
	if apiErr.Message != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode(), apiErr.Message)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode())
}
