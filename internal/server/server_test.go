package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/listsync/internal/config"
	"github.com/nfrund/listsync/internal/protocol"
	"github.com/nfrund/listsync/internal/pubsub"
	"github.com/nfrund/listsync/internal/snapshot"
	"github.com/nfrund/listsync/internal/subscription"
	ws "github.com/nfrund/listsync/internal/websocket"
)

func TestHTTPErrorHandler_WithStackTrace(t *testing.T) {
	e := echo.New()

	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, &slog.HandlerOptions{AddSource: true}))
	originalLogger := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(originalLogger)

	setupErrorHandling(e)
	e.GET("/test-unhandled-error", func(c echo.Context) error {
		return errors.New("a deliberate unhandled error occurred")
	})

	req := httptest.NewRequest(http.MethodGet, "/test-unhandled-error", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"code":"internal_server_error","message":"Internal Server Error"}`, rec.Body.String())

	logOutput := logBuffer.String()
	assert.Contains(t, logOutput, "Internal Server Error (Unhandled)")
	assert.Contains(t, logOutput, "error=\"a deliberate unhandled error occurred\"")
	assert.Contains(t, logOutput, "stack_trace=")
	assert.Contains(t, logOutput, "runtime/debug/stack.go")
}

func TestHTTPErrorHandler_HTTPErrorsAreNotLoggedAsUnhandled(t *testing.T) {
	e := echo.New()
	var logBuffer bytes.Buffer
	originalLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logBuffer, nil)))
	defer slog.SetDefault(originalLogger)

	setupErrorHandling(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, logBuffer.String(), "Unhandled")
}

type testServer struct {
	srv      *Server
	http     *httptest.Server
	registry *subscription.Registry
	bus      *pubsub.WatermillBridge
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	metrics := prometheus.NewRegistry()
	registry := subscription.NewRegistry(subscription.WithMetrics(subscription.NewMetrics(metrics)))
	bus := pubsub.NewWatermillBridge()
	bridge := ws.NewBridge(registry, ws.WithPingPeriod(time.Hour))

	cfg := &config.Config{ServerAddr: "127.0.0.1:0"}
	srv := New(cfg, Dependencies{Registry: registry, Bridge: bridge, Publisher: bus, Metrics: metrics})
	hs := httptest.NewServer(srv.E)

	t.Cleanup(func() {
		bridge.Shutdown()
		hs.Close()
		_ = bus.Close()
	})
	return &testServer{srv: srv, http: hs, registry: registry, bus: bus}
}

func (ts *testServer) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_Routes(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.registry.UpdateSnapshot(context.Background(), "issues", []snapshot.Item{{"id": "1"}})
	require.NoError(t, err)

	code, body := ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = ts.get(t, "/api/lists")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"keys":["issues"]`)

	code, body = ts.get(t, "/api/lists/issues")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"version":1`)

	code, body = ts.get(t, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<code>issues</code>")

	code, body = ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "listsync_topics 1")
	assert.Contains(t, body, "requests_total")
}

func TestServer_WebSocketRoute(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + wsPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	frame, err := json.Marshal(protocol.ClientFrame{Action: protocol.ActionSubscribe, Key: "issues"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var snap protocol.SnapshotMessage
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, protocol.TypeSnapshot, snap.Type)
	assert.Equal(t, "issues", snap.Key)
	assert.Equal(t, int64(0), snap.Version)
}

func TestServer_StartAndShutdown(t *testing.T) {
	metrics := prometheus.NewRegistry()
	registry := subscription.NewRegistry()
	srv := New(&config.Config{ServerAddr: "127.0.0.1:0"}, Dependencies{
		Registry:  registry,
		Bridge:    ws.NewBridge(registry),
		Publisher: pubsub.NewWatermillBridge(),
		Metrics:   metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.E.ListenerAddr() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	assert.NoError(t, srv.Shutdown(shutdownCtx))
}
