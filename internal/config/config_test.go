package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.GetServerAddr())
	assert.Equal(t, "text", cfg.GetLogFormat())
	assert.Equal(t, 10*time.Minute, cfg.GetTopicIdleTTL())
	assert.Equal(t, 5*time.Second, cfg.GetReconnectBaseDelay())
	assert.Equal(t, 2*time.Minute, cfg.GetReconnectMaxDelay())
	assert.Equal(t, 10, cfg.GetReconnectMaxAttempts())
	assert.True(t, cfg.GetStreamEnabled())
	assert.Equal(t, "coder", cfg.GetStreamTransport())
	assert.Empty(t, cfg.GetSurrealTables())
	assert.False(t, cfg.GetTracingEnabled())
	assert.Equal(t, "listsync", cfg.GetTracingServiceName())
	assert.Equal(t, 1.0, cfg.GetTracingSampleRatio())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("LISTSYNC_ADDR", ":9999")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LISTSYNC_TOPIC_IDLE_TTL", "0")
	t.Setenv("LISTSYNC_STREAM_ENABLED", "false")
	t.Setenv("LISTSYNC_STREAM_TRANSPORT", "gorilla")
	t.Setenv("LISTSYNC_RECONNECT_MAX_DELAY", "0s")
	t.Setenv("LISTSYNC_SURREAL_TABLES", "issue, pull_request ,")
	t.Setenv("SURREAL_URL", "ws://localhost:8000")
	t.Setenv("SURREAL_NS", "test")
	t.Setenv("SURREAL_DB", "test")
	t.Setenv("PUBSUB_TRACING_ENABLED", "true")
	t.Setenv("PUBSUB_TRACING_ZIPKIN_URL", "http://zipkin:9411/api/v2/spans")
	t.Setenv("PUBSUB_TRACING_SAMPLE_RATIO", "0.25")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.GetServerAddr())
	assert.Equal(t, "debug", cfg.GetLogLevel())
	assert.Zero(t, cfg.GetTopicIdleTTL())
	assert.False(t, cfg.GetStreamEnabled())
	assert.Equal(t, "gorilla", cfg.GetStreamTransport())
	assert.Zero(t, cfg.GetReconnectMaxDelay())
	assert.Equal(t, []string{"issue", "pull_request"}, cfg.GetSurrealTables())
	assert.Equal(t, "ws://localhost:8000", cfg.GetDBURL())
	assert.True(t, cfg.GetTracingEnabled())
	assert.Equal(t, "http://zipkin:9411/api/v2/spans", cfg.GetTracingZipkinURL())
	assert.Equal(t, 0.25, cfg.GetTracingSampleRatio())
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad duration":       {"LISTSYNC_TOPIC_IDLE_TTL": "soon"},
		"negative ttl":       {"LISTSYNC_TOPIC_IDLE_TTL": "-1s"},
		"bad int":            {"LISTSYNC_SEND_BUFFER": "many"},
		"zero buffer":        {"LISTSYNC_SEND_BUFFER": "0"},
		"bad format":         {"LOG_FORMAT": "xml"},
		"bad transport":      {"LISTSYNC_STREAM_TRANSPORT": "smoke"},
		"db without ns":      {"SURREAL_URL": "ws://localhost:8000"},
		"bad bool":           {"LISTSYNC_STREAM_ENABLED": "perhaps"},
		"stream url not url": {"LISTSYNC_STREAM_URL": "not a url"},
		"bad sample ratio":   {"PUBSUB_TRACING_SAMPLE_RATIO": "1.5"},
		"bad float":          {"PUBSUB_TRACING_SAMPLE_RATIO": "half"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
