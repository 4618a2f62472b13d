// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// TransportFactory opens a fresh downstream transport for one pipeline attempt.
type TransportFactory func(ctx context.Context) (Transport, error)

// PipelineOptions collects the tunables of every pipeline component.
type PipelineOptions struct {
	Rotator   RotatorOptions
	Sink      SinkOptions
	CacheSize int
	CacheTTL  time.Duration
}

// PipelineStats is a snapshot of one pipeline attempt.
type PipelineStats struct {
	Slot            string    `json:"slot,omitempty"`
	LiveConnections int       `json:"live_connections"`
	Rotations       int       `json:"rotations"`
	Forwarded       int64     `json:"forwarded"`
	Suppressed      int64     `json:"suppressed"`
	Sink            SinkStats `json:"sink"`
}

// Pipeline wires normalizer, recency cache, delivery sink and rotator for a
// single attempt. Nothing is shared between two pipelines.
type Pipeline struct {
	connector  Connector
	transports TransportFactory
	opts       PipelineOptions
	log        zerolog.Logger

	normalizer *Normalizer
	cache      *RecencyCache

	mu      sync.RWMutex
	sink    *DeliverySink
	rotator *Rotator

	forwarded  atomic.Int64
	suppressed atomic.Int64
}

// NewPipeline builds a pipeline with an empty recency cache.
func NewPipeline(connector Connector, transports TransportFactory, ignore *IgnoreFilter, opts PipelineOptions, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		connector:  connector,
		transports: transports,
		opts:       opts,
		log:        log,
		normalizer: NewNormalizer(ignore, log),
		cache:      NewRecencyCache(opts.CacheSize, opts.CacheTTL),
	}
}

// HandleEvent is the listener attached to every upstream connection.
func (p *Pipeline) HandleEvent(_ context.Context, evt Event) {
	msg, ok := p.normalizer.Normalize(evt)
	if !ok {
		return
	}
	if !p.cache.ShouldForward(msg.Key()) {
		p.suppressed.Add(1)
		p.log.Trace().
			Int64("channel_id", msg.ChannelID).
			Int64("message_id", msg.MessageID).
			Msg("Suppressing recently forwarded message")
		return
	}

	p.mu.RLock()
	sink := p.sink
	p.mu.RUnlock()
	if sink == nil {
		return
	}
	if sink.Deliver(msg) {
		p.forwarded.Add(1)
	}
}

// Run opens the transport and runs the rotator and the sink keep-alive until
// either fails or ctx is cancelled. The first failure is returned after every
// component has been torn down.
func (p *Pipeline) Run(ctx context.Context) error {
	transport, err := p.transports(ctx)
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}
	sink := NewDeliverySink(transport, p.opts.Sink, p.log)
	rotator := NewRotator(p.connector, p.HandleEvent, p.opts.Rotator, p.log)

	p.mu.Lock()
	p.sink = sink
	p.rotator = rotator
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sink.Run(runCtx); err != nil {
			errs <- fmt.Errorf("delivery sink: %w", err)
		} else {
			errs <- nil
		}
	}()
	go func() {
		defer wg.Done()
		if err := rotator.Run(runCtx); err != nil {
			errs <- fmt.Errorf("session rotator: %w", err)
		} else {
			errs <- nil
		}
	}()

	runErr := <-errs
	cancel()
	wg.Wait()

	if err := sink.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to close delivery sink")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return runErr
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() PipelineStats {
	stats := PipelineStats{
		Forwarded:  p.forwarded.Load(),
		Suppressed: p.suppressed.Load(),
	}
	p.mu.RLock()
	sink, rotator := p.sink, p.rotator
	p.mu.RUnlock()
	if sink != nil {
		stats.Sink = sink.Stats()
	}
	if rotator != nil {
		if slot, ok := rotator.Current(); ok {
			stats.Slot = slot.String()
		}
		stats.LiveConnections = rotator.Live()
		stats.Rotations = rotator.Rotations()
	}
	return stats
}
