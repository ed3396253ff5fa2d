package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/listsync/internal/snapshot"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, 2*time.Second)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"ftp://host", "http://", "::nope"} {
		_, err := New(raw, time.Second)
		assert.Error(t, err, raw)
	}
}

func TestStreamURL(t *testing.T) {
	c, err := New("http://localhost:8080/", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/lists", c.StreamURL())

	c, err = New("https://lists.example.com", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "wss://lists.example.com/ws/lists", c.StreamURL())
}

func TestLists(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/lists", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"topicCount":1,"subscriberCount":2,"keys":["issues"],
			"topics":[{"key":"issues","version":3,"items":4,"subscribers":2}]}`)
	}))

	out, err := c.Lists(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.TopicCount)
	assert.Equal(t, []string{"issues"}, out.Keys)
	require.Len(t, out.Topics, 1)
	assert.Equal(t, int64(3), out.Topics[0].Version)
}

func TestGet(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/api/lists/issues" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"code":"not_found","message":"unknown list"}`)
			return
		}
		_, _ = io.WriteString(w, `{"key":"issues","items":[{"id":"1"}],"version":2}`)
	}))

	out, err := c.Get(context.Background(), "issues")
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Version)
	assert.Equal(t, []snapshot.Item{{"id": "1"}}, out.Items)

	_, err = c.Get(context.Background(), "other")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPush(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/lists/issues", r.URL.Path)
		var body struct {
			Items []snapshot.Item `json:"items"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"key": "issues", "items": len(body.Items)})
	}))

	out, err := c.Push(context.Background(), "issues", []snapshot.Item{{"id": "1"}, {"id": "2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Items)

	out, err = c.Push(context.Background(), "issues", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Items)
}

func TestPush_ValidationErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"code":"unprocessable_entity","message":"key is too long"}`)
	}))

	_, err := c.Push(context.Background(), "issues", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422: key is too long")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPush_ServerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"key":"issues","items":0}`)
	}))

	_, err := c.Push(context.Background(), "issues", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
