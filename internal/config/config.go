// Package config loads listsync settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Provider exposes configuration to the rest of the application.
type Provider interface {
	GetServerAddr() string
	GetLogFormat() string
	GetLogLevel() string

	GetTopicIdleTTL() time.Duration
	GetSendBuffer() int

	GetStreamURL() string
	GetStreamEnabled() bool
	GetStreamTransport() string
	GetReconnectBaseDelay() time.Duration
	GetReconnectMaxDelay() time.Duration
	GetReconnectMaxAttempts() int

	GetSourceDir() string
	GetRedisURL() string
	GetRedisChannel() string

	GetDBURL() string
	GetDBNs() string
	GetDBDb() string
	GetDBUser() string
	GetDBPass() string
	GetDBQueryTimeout() time.Duration
	GetSurrealTables() []string
	GetSurrealPoll() time.Duration

	GetTracingEnabled() bool
	GetTracingServiceName() string
	GetTracingZipkinURL() string
	GetTracingSampleRatio() float64
}

// Config holds all configuration for the application.
type Config struct {
	ServerAddr string `validate:"required"`
	LogFormat  string `validate:"oneof=text json"`
	LogLevel   string `validate:"oneof=debug info warn error"`

	TopicIdleTTL time.Duration
	SendBuffer   int `validate:"min=1"`

	StreamURL            string `validate:"omitempty,url"`
	StreamEnabled        bool
	StreamTransport      string `validate:"oneof=coder gorilla"`
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	SourceDir    string
	RedisURL     string `validate:"omitempty,url"`
	RedisChannel string `validate:"required_with=RedisURL"`

	DBURL          string `validate:"omitempty,url"`
	DBNs           string `validate:"required_with=DBURL"`
	DBDb           string `validate:"required_with=DBURL"`
	DBUser         string
	DBPass         string
	DBQueryTimeout time.Duration
	SurrealTables  []string
	SurrealPoll    time.Duration

	TracingEnabled     bool
	TracingServiceName string  `validate:"required"`
	TracingZipkinURL   string  `validate:"omitempty,url"`
	TracingSampleRatio float64 `validate:"gte=0,lte=1"`
}

// New loads configuration from the environment. A missing .env file is not
// an error.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv reads and validates configuration from environment variables only.
func FromEnv() (*Config, error) {
	var errs []string
	env := envReader{errs: &errs}

	cfg := &Config{
		ServerAddr: env.get("LISTSYNC_ADDR", ":8080"),
		LogFormat:  env.get("LOG_FORMAT", "text"),
		LogLevel:   strings.ToLower(env.get("LOG_LEVEL", "info")),

		TopicIdleTTL: env.getDuration("LISTSYNC_TOPIC_IDLE_TTL", 10*time.Minute),
		SendBuffer:   env.getInt("LISTSYNC_SEND_BUFFER", 256),

		StreamURL:            env.get("LISTSYNC_STREAM_URL", ""),
		StreamEnabled:        env.getBool("LISTSYNC_STREAM_ENABLED", true),
		StreamTransport:      env.get("LISTSYNC_STREAM_TRANSPORT", "coder"),
		ReconnectBaseDelay:   env.getDuration("LISTSYNC_RECONNECT_BASE_DELAY", 5*time.Second),
		ReconnectMaxDelay:    env.getDuration("LISTSYNC_RECONNECT_MAX_DELAY", 2*time.Minute),
		ReconnectMaxAttempts: env.getInt("LISTSYNC_RECONNECT_MAX_ATTEMPTS", 10),

		SourceDir:    env.get("LISTSYNC_SOURCE_DIR", ""),
		RedisURL:     env.get("LISTSYNC_REDIS_URL", ""),
		RedisChannel: env.get("LISTSYNC_REDIS_CHANNEL", "listsync:snapshots"),

		DBURL:          env.get("SURREAL_URL", ""),
		DBNs:           env.get("SURREAL_NS", ""),
		DBDb:           env.get("SURREAL_DB", ""),
		DBUser:         env.get("SURREAL_USER", ""),
		DBPass:         env.get("SURREAL_PASS", ""),
		DBQueryTimeout: env.getDuration("SURREAL_QUERY_TIMEOUT", 10*time.Second),
		SurrealTables:  env.getList("LISTSYNC_SURREAL_TABLES"),
		SurrealPoll:    env.getDuration("LISTSYNC_SURREAL_POLL", 30*time.Second),

		TracingEnabled:     env.getBool("PUBSUB_TRACING_ENABLED", false),
		TracingServiceName: env.get("PUBSUB_TRACING_SERVICE_NAME", "listsync"),
		TracingZipkinURL:   env.get("PUBSUB_TRACING_ZIPKIN_URL", "http://localhost:9411/api/v2/spans"),
		TracingSampleRatio: env.getFloat("PUBSUB_TRACING_SAMPLE_RATIO", 1),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if cfg.TopicIdleTTL < 0 || cfg.ReconnectBaseDelay <= 0 || cfg.ReconnectMaxDelay < 0 || cfg.SurrealPoll <= 0 {
		return nil, fmt.Errorf("invalid configuration: durations must be positive (idle TTL and max delay may be 0)")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type envReader struct {
	errs *[]string
}

func (e envReader) get(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e envReader) getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e envReader) getFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return f
}

func (e envReader) getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

func (e envReader) getDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (e envReader) getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) GetServerAddr() string                { return c.ServerAddr }
func (c *Config) GetLogFormat() string                 { return c.LogFormat }
func (c *Config) GetLogLevel() string                  { return c.LogLevel }
func (c *Config) GetTopicIdleTTL() time.Duration       { return c.TopicIdleTTL }
func (c *Config) GetSendBuffer() int                   { return c.SendBuffer }
func (c *Config) GetStreamURL() string                 { return c.StreamURL }
func (c *Config) GetStreamEnabled() bool               { return c.StreamEnabled }
func (c *Config) GetStreamTransport() string           { return c.StreamTransport }
func (c *Config) GetReconnectBaseDelay() time.Duration { return c.ReconnectBaseDelay }
func (c *Config) GetReconnectMaxDelay() time.Duration  { return c.ReconnectMaxDelay }
func (c *Config) GetReconnectMaxAttempts() int         { return c.ReconnectMaxAttempts }
func (c *Config) GetSourceDir() string                 { return c.SourceDir }
func (c *Config) GetRedisURL() string                  { return c.RedisURL }
func (c *Config) GetRedisChannel() string              { return c.RedisChannel }
func (c *Config) GetDBURL() string                     { return c.DBURL }
func (c *Config) GetDBNs() string                      { return c.DBNs }
func (c *Config) GetDBDb() string                      { return c.DBDb }
func (c *Config) GetDBUser() string                    { return c.DBUser }
func (c *Config) GetDBPass() string                    { return c.DBPass }
func (c *Config) GetDBQueryTimeout() time.Duration     { return c.DBQueryTimeout }
func (c *Config) GetSurrealTables() []string           { return c.SurrealTables }
func (c *Config) GetSurrealPoll() time.Duration        { return c.SurrealPoll }
func (c *Config) GetTracingEnabled() bool              { return c.TracingEnabled }
func (c *Config) GetTracingServiceName() string        { return c.TracingServiceName }
func (c *Config) GetTracingZipkinURL() string          { return c.TracingZipkinURL }
func (c *Config) GetTracingSampleRatio() float64       { return c.TracingSampleRatio }
