// Copyright 2024-2026 Aiku AI

package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/tg-relay/pkg/relay"
)

// LogTransport sends nothing. It logs each message's end-to-end latency and
// is used to benchmark the upstream side on its own.
type LogTransport struct {
	log zerolog.Logger
}

var _ relay.Transport = (*LogTransport)(nil)

func NewLogTransport(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log.With().Str("component", "bench_sink").Logger()}
}

func (t *LogTransport) Send(_ context.Context, key string, body []byte) error {
	var payload relay.WirePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	t.log.Info().
		Str("key", key).
		Int64("channel_id", payload.ChannelID).
		Int64("message_id", payload.MessageID).
		Int64("difference_ms", payload.DifferenceTime).
		Msg("Message latency")
	return nil
}

func (t *LogTransport) Ping(context.Context) error { return nil }

func (t *LogTransport) Close() error { return nil }
