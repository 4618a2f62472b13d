// Copyright 2024-2026 Aiku AI

// Package sink contains the downstream transports a DeliverySink can write to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/tg-relay/pkg/relay"
)

const (
	TypeWebSocket = "websocket"
	TypeHTTP      = "http"
	TypeRedis     = "redis"
	TypeKafka     = "kafka"
	TypeLog       = "log"

	DefaultTimeout = 10 * time.Second
)

var (
	ErrUnknownSinkType  = errors.New("unknown sink type")
	ErrTransportClosed  = errors.New("transport closed")
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// RedisOptions configures the redis transport.
type RedisOptions struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// KafkaOptions configures the kafka transport.
type KafkaOptions struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Options selects and configures a transport.
type Options struct {
	Type               string        `yaml:"type"`
	URL                string        `yaml:"url"`
	APIKey             string        `yaml:"api_key"`
	PingURL            string        `yaml:"ping_url"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`

	Redis RedisOptions `yaml:"redis"`
	Kafka KafkaOptions `yaml:"kafka"`
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Open connects the transport named by opts.Type.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (relay.Transport, error) {
	switch opts.Type {
	case TypeWebSocket, "":
		return DialWebSocket(ctx, opts, log)
	case TypeHTTP:
		return NewHTTPTransport(opts, log), nil
	case TypeRedis:
		return DialRedis(ctx, opts, log)
	case TypeKafka:
		return DialKafka(ctx, opts, log)
	case TypeLog:
		return NewLogTransport(log), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownSinkType, opts.Type)
	}
}

// Factory binds opts into a relay.TransportFactory.
func Factory(opts Options, log zerolog.Logger) relay.TransportFactory {
	return func(ctx context.Context) (relay.Transport, error) {
		return Open(ctx, opts, log)
	}
}

func authHeader(apiKey string) http.Header {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
	return header
}
