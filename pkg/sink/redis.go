// Copyright 2024-2026 Aiku AI

package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aiku/tg-relay/pkg/relay"
)

// RedisTransport appends every payload to a Redis stream.
type RedisTransport struct {
	client *redis.Client
	stream string
	log    zerolog.Logger
}

var _ relay.Transport = (*RedisTransport)(nil)

// DialRedis connects to cfg.Redis.URL and verifies the connection with PING.
func DialRedis(ctx context.Context, cfg Options, log zerolog.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewRedisTransport(ctx, redis.NewClient(opts), cfg.Redis.Stream, log)
}

// NewRedisTransport wraps an existing client. The transport owns the client.
func NewRedisTransport(ctx context.Context, client *redis.Client, stream string, log zerolog.Logger) (*RedisTransport, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	t := &RedisTransport{
		client: client,
		stream: stream,
		log:    log.With().Str("component", "redis_sink").Str("stream", stream).Logger(),
	}
	t.log.Info().Msg("Connected to Redis")
	return t, nil
}

// Send runs XADD with the recency key and the JSON payload as fields.
func (t *RedisTransport) Send(ctx context.Context, key string, body []byte) error {
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{
			"key":     key,
			"payload": string(body),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to append to stream: %w", err)
	}
	t.log.Trace().Str("key", key).Str("entry_id", id).Msg("Appended message to stream")
	return nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
