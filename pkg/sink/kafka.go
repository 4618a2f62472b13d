// Copyright 2024-2026 Aiku AI

package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/aiku/tg-relay/pkg/relay"
)

// messageWriter is the part of *kafka.Writer the transport uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransport publishes every payload as one Kafka message keyed by the
// recency key.
type KafkaTransport struct {
	writer  messageWriter
	brokers []string
	dial    func(ctx context.Context, network, address string) (*kafka.Conn, error)
	log     zerolog.Logger
}

var _ relay.Transport = (*KafkaTransport)(nil)

// DialKafka verifies that a broker is reachable and creates a synchronous writer.
func DialKafka(ctx context.Context, cfg Options, log zerolog.Logger) (*KafkaTransport, error) {
	t := &KafkaTransport{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: cfg.timeout(),
			BatchTimeout: 10 * time.Millisecond,
		},
		brokers: cfg.Kafka.Brokers,
		dial:    kafka.DialContext,
		log: log.With().
			Str("component", "kafka_sink").
			Str("topic", cfg.Kafka.Topic).
			Strs("brokers", cfg.Kafka.Brokers).
			Logger(),
	}
	if err := t.Ping(ctx); err != nil {
		_ = t.writer.Close()
		return nil, err
	}
	t.log.Info().Msg("Connected to Kafka")
	return t, nil
}

func (t *KafkaTransport) Send(ctx context.Context, key string, body []byte) error {
	if err := t.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body}); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Ping succeeds as soon as one broker accepts a connection.
func (t *KafkaTransport) Ping(ctx context.Context) error {
	var errs []error
	for _, broker := range t.brokers {
		conn, err := t.dial(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		_ = conn.Close()
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no kafka brokers configured")
	}
	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}

func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}
