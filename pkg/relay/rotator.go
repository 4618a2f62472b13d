// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultRotationInterval = 15 * time.Second
	DefaultDrainGrace       = time.Second
	DefaultDrainTimeout     = 30 * time.Second
)

// ErrConnectionEnded is wrapped when the current upstream connection stops
// without being asked to.
var ErrConnectionEnded = errors.New("upstream connection ended")

// Connection is one live upstream connection. Its lifetime is bounded by the
// context passed to Connector.Connect.
type Connection interface {
	// Drain performs the source's graceful stop: it settles outstanding
	// session state and then closes the connection.
	Drain(ctx context.Context) error
	// Done is closed when the connection has stopped for any reason.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
}

// Connector opens upstream connections bound to a session slot.
type Connector interface {
	// Connect establishes a connection for slot with handler already
	// attached, so no event is missed once it is live.
	Connect(ctx context.Context, slot Slot, handler EventHandler) (Connection, error)
}

// RotatorOptions tunes a Rotator. Zero values fall back to the defaults.
type RotatorOptions struct {
	RotationInterval time.Duration
	DrainGrace       time.Duration
	DrainTimeout     time.Duration
}

func (o RotatorOptions) withDefaults() RotatorOptions {
	if o.RotationInterval <= 0 {
		o.RotationInterval = DefaultRotationInterval
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = DefaultDrainGrace
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return o
}

type connHandle struct {
	id        string
	slot      Slot
	startedAt time.Time
	conn      Connection
	cancel    context.CancelFunc

	// drainCancel aborts a scheduled or running drain. Guarded by Rotator.mu.
	drainCancel context.CancelFunc
	retireOnce  sync.Once
	retired     chan struct{}
}

// Rotator keeps exactly one current upstream connection, replacing it on
// every rotation tick with a connection on the other slot. The superseded
// connection is drained in the background after a grace delay. A drain is
// cut short before the next tick, and any connection still draining when a
// tick fires is stopped before the next one is opened, so at most two
// connections are live at once.
//
// A Rotator runs once; build a new one for every pipeline attempt.
type Rotator struct {
	connector Connector
	handler   EventHandler
	opts      RotatorOptions
	log       zerolog.Logger

	mu        sync.Mutex
	current   *connHandle
	live      map[string]*connHandle
	rotations int

	drains sync.WaitGroup
}

// NewRotator creates a rotator feeding every connection's events to handler.
func NewRotator(connector Connector, handler EventHandler, opts RotatorOptions, log zerolog.Logger) *Rotator {
	return &Rotator{
		connector: connector,
		handler:   handler,
		opts:      opts.withDefaults(),
		log:       log.With().Str("component", "rotator").Logger(),
		live:      make(map[string]*connHandle),
	}
}

// Run rotates connections until ctx is cancelled, a connection cannot be
// established, or the current connection ends on its own. All connections
// are closed before Run returns.
func (r *Rotator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.shutdown()
	}()

	r.log.Info().
		Dur("interval", r.opts.RotationInterval).
		Dur("drain_grace", r.opts.DrainGrace).
		Msg("Starting session rotation")

	for {
		cur, err := r.rotate(runCtx)
		if err != nil {
			return err
		}

		timer := time.NewTimer(r.opts.RotationInterval)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return ctx.Err()
		case <-cur.conn.Done():
			timer.Stop()
			cause := cur.conn.Err()
			if cause == nil {
				cause = ErrConnectionEnded
			} else {
				cause = fmt.Errorf("%w: %w", ErrConnectionEnded, cause)
			}
			return fmt.Errorf("slot %s: %w", cur.slot, cause)
		case <-timer.C:
		}
	}
}

// rotate opens a connection on the next slot, makes it current and hands the
// previous one to a drain task.
func (r *Rotator) rotate(ctx context.Context) (*connHandle, error) {
	r.stopStale()

	r.mu.Lock()
	prev := r.current
	slot := SlotA
	if prev != nil {
		slot = prev.slot.Other()
	}
	r.mu.Unlock()

	connCtx, connCancel := context.WithCancel(ctx)
	conn, err := r.connector.Connect(connCtx, slot, r.handler)
	if err != nil {
		connCancel()
		return nil, fmt.Errorf("failed to connect slot %s: %w", slot, err)
	}

	h := &connHandle{
		id:        uuid.NewString(),
		slot:      slot,
		startedAt: time.Now(),
		conn:      conn,
		cancel:    connCancel,
		retired:   make(chan struct{}),
	}

	r.mu.Lock()
	r.current = h
	r.live[h.id] = h
	r.rotations++
	rotations := r.rotations
	r.mu.Unlock()

	r.log.Info().
		Str("conn_id", h.id).
		Str("slot", slot.String()).
		Int("rotation", rotations).
		Msg("Upstream connection is now current")

	if prev != nil {
		r.scheduleDrain(ctx, prev)
	}
	return h, nil
}

// drainTimeout bounds one drain so it ends before the next rotation tick.
func (r *Rotator) drainTimeout() time.Duration {
	timeout := r.opts.DrainTimeout
	if limit := r.opts.RotationInterval - r.opts.DrainGrace; limit > 0 && limit < timeout {
		timeout = limit
	}
	return timeout
}

func (r *Rotator) scheduleDrain(ctx context.Context, h *connHandle) {
	abortCtx, abort := context.WithCancel(ctx)
	r.mu.Lock()
	h.drainCancel = abort
	r.mu.Unlock()

	r.drains.Add(1)
	go func() {
		defer r.drains.Done()
		defer r.retire(h)
		defer abort()

		log := r.log.With().Str("conn_id", h.id).Str("slot", h.slot.String()).Logger()

		select {
		case <-abortCtx.Done():
			return
		case <-time.After(r.opts.DrainGrace):
		}

		drainCtx, cancel := context.WithTimeout(abortCtx, r.drainTimeout())
		defer cancel()
		start := time.Now()
		if err := h.conn.Drain(drainCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to drain superseded connection")
			return
		}
		log.Debug().
			Dur("took", time.Since(start)).
			Dur("uptime", time.Since(h.startedAt)).
			Msg("Drained superseded connection")
	}()
}

// retire stops h and forgets it once the connection has ended.
func (r *Rotator) retire(h *connHandle) {
	h.cancel()
	select {
	case <-h.conn.Done():
	case <-time.After(r.opts.DrainTimeout):
		r.log.Warn().Str("conn_id", h.id).Msg("Superseded connection did not stop in time")
	}
	r.mu.Lock()
	delete(r.live, h.id)
	r.mu.Unlock()
	h.retireOnce.Do(func() { close(h.retired) })
}

// stopStale aborts every superseded connection that is still draining and
// waits until it is retired.
func (r *Rotator) stopStale() {
	r.mu.Lock()
	var stale []*connHandle
	for _, h := range r.live {
		if h != r.current {
			stale = append(stale, h)
			if h.drainCancel != nil {
				h.drainCancel()
			}
			h.cancel()
		}
	}
	r.mu.Unlock()

	for _, h := range stale {
		r.log.Warn().Str("conn_id", h.id).Str("slot", h.slot.String()).Msg("Stopping connection still draining at rotation")
		select {
		case <-h.retired:
		case <-time.After(2 * r.opts.DrainTimeout):
			r.log.Warn().Str("conn_id", h.id).Msg("Forgetting connection that did not retire")
			r.mu.Lock()
			delete(r.live, h.id)
			r.mu.Unlock()
		}
	}
}

func (r *Rotator) shutdown() {
	r.mu.Lock()
	handles := make([]*connHandle, 0, len(r.live))
	for _, h := range r.live {
		handles = append(handles, h)
	}
	r.current = nil
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	r.drains.Wait()

	for _, h := range handles {
		select {
		case <-h.conn.Done():
		case <-time.After(r.opts.DrainTimeout):
			r.log.Warn().Str("conn_id", h.id).Msg("Upstream connection did not stop in time")
		}
		r.mu.Lock()
		delete(r.live, h.id)
		r.mu.Unlock()
	}
	r.log.Debug().Int("closed", len(handles)).Msg("Session rotation stopped")
}

// Current returns the slot of the current connection.
func (r *Rotator) Current() (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return SlotA, false
	}
	return r.current.slot, true
}

// Live returns the number of connections that are current or draining.
func (r *Rotator) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Rotations returns how many connections have been made current.
func (r *Rotator) Rotations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotations
}
