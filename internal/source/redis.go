package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nfrund/listsync/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// RedisSource applies snapshot pushes published on a Redis channel. The
// message payload has the same shape as the bus payload: {"key", "items"}.
type RedisSource struct {
	client  *redis.Client
	channel string
	sink    Sink
	log     *slog.Logger
}

// NewRedisClient creates a client from a redis:// URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisSource creates a source listening on channel.
func NewRedisSource(client *redis.Client, channel string, sink Sink) *RedisSource {
	return &RedisSource{
		client:  client,
		channel: channel,
		sink:    sink,
		log:     slog.Default().With("component", "source", "source", "redis", "channel", channel),
	}
}

func (s *RedisSource) Name() string { return "redis" }

// Run subscribes to the channel and applies messages until ctx is done.
func (s *RedisSource) Run(ctx context.Context) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer ps.Close()

	// Wait for the subscription confirmation so a failure surfaces here.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.log.InfoContext(ctx, "Listening for snapshot pushes")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, msg.Payload)
		}
	}
}

func (s *RedisSource) handle(ctx context.Context, payload string) {
	var push protocol.SnapshotPush
	if err := json.Unmarshal([]byte(payload), &push); err != nil {
		s.log.WarnContext(ctx, "Dropping malformed snapshot push", "error", err)
		return
	}
	if err := apply(ctx, s.sink, s.log, push); err != nil {
		s.log.WarnContext(ctx, "Dropping snapshot push", "key", push.Key, "error", err)
	}
}
