package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/listsync/internal/config"
	"github.com/nfrund/listsync/internal/pubsub"
	"github.com/nfrund/listsync/internal/server"
	"github.com/nfrund/listsync/internal/snapshot"
	"github.com/nfrund/listsync/internal/subscription"
	"github.com/nfrund/listsync/internal/websocket"
)

// syncBuffer lets a test read output while a command is still writing it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	outputFormat = "table"
	watchURL, watchTransport, watchItems = "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func fakeAPI(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu     sync.Mutex
		pushed []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/lists":
			_, _ = io.WriteString(w, `{"topicCount":1,"subscriberCount":0,"keys":["issues"],
				"topics":[{"key":"issues","version":2,"items":1,"subscribers":0}]}`)
		case r.Method == http.MethodGet && r.URL.Path == "/api/lists/issues":
			_, _ = io.WriteString(w, `{"key":"issues","items":[{"id":"1","title":"Bug"}],"version":2}`)
		case r.Method == http.MethodPut && r.URL.Path == "/api/lists/issues":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			pushed = append(pushed, string(body))
			mu.Unlock()
			var req struct {
				Items []snapshot.Item `json:"items"`
			}
			_ = json.Unmarshal(body, &req)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{"key": "issues", "items": len(req.Items)})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"code":"not_found","message":"unknown list"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), pushed...)
	}
}

func TestStatsCommand(t *testing.T) {
	api, _ := fakeAPI(t)

	out, err := execute(context.Background(), nil, "stats", "--server", api.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Topics: 1")
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "issues")

	out, err = execute(context.Background(), nil, "stats", "--server", api.URL, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"topicCount": 1`)

	_, err = execute(context.Background(), nil, "stats", "--server", api.URL, "--format", "yaml")
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestGetCommand(t *testing.T) {
	api, _ := fakeAPI(t)

	out, err := execute(context.Background(), nil, "get", "issues", "--server", api.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "issues v2 (1 items)")
	assert.Contains(t, out, `"title":"Bug"`)

	_, err = execute(context.Background(), nil, "get", "missing", "--server", api.URL)
	assert.ErrorContains(t, err, "list not found")
}

func TestPushCommand(t *testing.T) {
	api, pushed := fakeAPI(t)

	out, err := execute(context.Background(), strings.NewReader(`[{"id":"1"},{"id":"2"}]`),
		"push", "issues", "--server", api.URL)
	require.NoError(t, err)
	assert.Equal(t, "Queued 2 items for issues\n", out)

	path := filepath.Join(t.TempDir(), "issues.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o600))
	out, err = execute(context.Background(), nil, "push", "issues", path, "--server", api.URL)
	require.NoError(t, err)
	assert.Equal(t, "Queued 0 items for issues\n", out)

	bodies := pushed()
	require.Len(t, bodies, 2)
	assert.JSONEq(t, `{"items":[]}`, bodies[1])
}

func TestPushCommand_RejectsNonArrayInput(t *testing.T) {
	api, pushed := fakeAPI(t)
	_, err := execute(context.Background(), strings.NewReader(`{"id":"1"}`), "push", "issues", "--server", api.URL)
	assert.ErrorContains(t, err, "expected a JSON array")
	assert.Empty(t, pushed())
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(context.Background(), nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "listsync-cli v"+version+"\n", out)
}

func TestWatchCommand_PrintsChanges(t *testing.T) {
	registry := subscription.NewRegistry()
	bridge := websocket.NewBridge(registry)
	bus := pubsub.NewWatermillBridge()
	srv := server.New(&config.Config{ServerAddr: "127.0.0.1:0"}, server.Dependencies{
		Registry:  registry,
		Bridge:    bridge,
		Publisher: bus,
		Metrics:   prometheus.NewRegistry(),
	})
	hs := httptest.NewServer(srv.E)
	t.Cleanup(func() {
		bridge.Shutdown()
		hs.Close()
		_ = bus.Close()
	})

	ctx := context.Background()
	_, err := registry.UpdateSnapshot(ctx, "issues", []snapshot.Item{{"id": "1"}, {"id": "2"}})
	require.NoError(t, err)

	outputFormat = "table"
	watchURL, watchTransport, watchItems = "", "", false
	out := &syncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"watch", "issues", "--server", hs.URL})

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(watchCtx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "issues v1 (2 items)")
	}, 5*time.Second, 10*time.Millisecond)

	_, err = registry.UpdateSnapshot(ctx, "issues", []snapshot.Item{{"id": "1"}, {"id": "2"}, {"id": "3"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "issues v2 (3 items)")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWatchCommand_StreamDisabled(t *testing.T) {
	t.Setenv("LISTSYNC_STREAM_ENABLED", "false")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := execute(ctx, nil, "watch", "issues", "--url", "ws://127.0.0.1:1/ws/lists")
	require.ErrorIs(t, err, errStreamDisabled)
	assert.Contains(t, err.Error(), "LISTSYNC_STREAM_ENABLED")
	assert.Less(t, time.Since(start), time.Second)
}
