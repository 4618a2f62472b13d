// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultSendTimeout       = 10 * time.Second
	DefaultRetryBackoff      = 500 * time.Millisecond
)

// ErrSinkClosed is returned by Err after Close when no failure was latched.
var ErrSinkClosed = errors.New("delivery sink closed")

// Transport is a downstream connection. Implementations live in pkg/sink.
type Transport interface {
	// Send writes one self-contained payload. key identifies the message
	// for transports that partition or index by key.
	Send(ctx context.Context, key string, body []byte) error
	// Ping performs one keep-alive round.
	Ping(ctx context.Context) error
	Close() error
}

// TransportWatcher is implemented by transports that can fail on their own,
// outside of a Send or Ping call.
type TransportWatcher interface {
	Done() <-chan struct{}
	Err() error
}

// DeliveryError reports a failure that is fatal for the current transport.
type DeliveryError struct {
	// Op is "send", "ping" or "transport".
	Op       string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// SinkOptions tunes a DeliverySink. Zero values fall back to the defaults.
type SinkOptions struct {
	KeepAliveInterval time.Duration
	SendTimeout       time.Duration
	// SendAttempts bounds how many times one message is tried before the
	// failure becomes fatal. 1 means no retry.
	SendAttempts int
	RetryBackoff time.Duration
}

func (o SinkOptions) withDefaults() SinkOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o
}

// SinkStats is a snapshot of delivery counters.
type SinkStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	InFlight  int64 `json:"in_flight"`
}

// DeliverySink forwards messages to a Transport. Each Deliver call runs as
// its own tracked goroutine; the first fatal failure is latched and every
// later message is dropped.
type DeliverySink struct {
	transport Transport
	opts      SinkOptions
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	failOnce sync.Once
	done     chan struct{}
	err      error

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
}

// NewDeliverySink wraps transport. The sink owns the transport from here on
// and closes it in Close.
func NewDeliverySink(transport Transport, opts SinkOptions, log zerolog.Logger) *DeliverySink {
	ctx, cancel := context.WithCancel(context.Background())
	return &DeliverySink{
		transport: transport,
		opts:      opts.withDefaults(),
		log:       log.With().Str("component", "delivery_sink").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Deliver schedules msg for sending and returns immediately. It reports
// false when the message was dropped because the sink has failed or closed.
func (s *DeliverySink) Deliver(msg NormalizedMessage) bool {
	select {
	case <-s.done:
		s.dropped.Add(1)
		s.log.Debug().
			Int64("channel_id", msg.ChannelID).
			Int64("message_id", msg.MessageID).
			Msg("Dropping message, transport already failed")
		return false
	default:
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dropped.Add(1)
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.inFlight.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		s.send(msg)
	}()
	return true
}

func (s *DeliverySink) send(msg NormalizedMessage) {
	log := s.log.With().
		Int64("channel_id", msg.ChannelID).
		Int64("message_id", msg.MessageID).
		Logger()

	body, err := EncodeWirePayload(msg)
	if err != nil {
		s.failed.Add(1)
		log.Error().Err(err).Msg("Failed to encode wire payload")
		return
	}
	key := msg.Key().String()

	backoff := s.opts.RetryBackoff
	for attempt := 1; attempt <= s.opts.SendAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.SendTimeout)
		err = s.transport.Send(ctx, key, body)
		cancel()
		if err == nil {
			s.delivered.Add(1)
			log.Debug().
				Dur("latency", msg.Latency()).
				Int("attempt", attempt).
				Msg("Delivered message")
			return
		}
		if s.ctx.Err() != nil {
			// Shutting down; the message is dropped with the pipeline.
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Send attempt failed")
		if attempt == s.opts.SendAttempts {
			break
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	s.failed.Add(1)
	s.fail(&DeliveryError{Op: "send", Attempts: s.opts.SendAttempts, Err: err})
}

// Run keeps the transport alive until ctx is cancelled or the transport
// fails. A failed ping or an asynchronous transport failure is latched and
// returned.
func (s *DeliverySink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.KeepAliveInterval)
	defer ticker.Stop()

	var watcher TransportWatcher
	var watchDone <-chan struct{}
	if w, ok := s.transport.(TransportWatcher); ok {
		watcher = w
		watchDone = w.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return s.err
		case <-watchDone:
			s.fail(&DeliveryError{Op: "transport", Attempts: 1, Err: watcher.Err()})
			return s.err
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
			err := s.transport.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.fail(&DeliveryError{Op: "ping", Attempts: 1, Err: err})
				return s.err
			}
			s.log.Trace().Msg("Keep-alive ok")
		}
	}
}

func (s *DeliverySink) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.done)
		s.log.Error().Err(err).Msg("Transport failed")
	})
}

// Done is closed once a fatal failure has been latched.
func (s *DeliverySink) Done() <-chan struct{} {
	return s.done
}

// Err returns the latched failure, or nil while the sink is healthy.
func (s *DeliverySink) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stats returns the current delivery counters.
func (s *DeliverySink) Stats() SinkStats {
	return SinkStats{
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		InFlight:  s.inFlight.Load(),
	}
}

// Close cancels in-flight sends, waits for them and closes the transport.
// It is safe to call more than once.
func (s *DeliverySink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.failOnce.Do(func() {
		s.err = ErrSinkClosed
		close(s.done)
	})
	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}
