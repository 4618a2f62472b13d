// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fastRotatorOptions() RotatorOptions {
	return RotatorOptions{
		RotationInterval: 40 * time.Millisecond,
		DrainGrace:       10 * time.Millisecond,
		DrainTimeout:     time.Second,
	}
}

func noopHandler(context.Context, Event) {}

func runRotator(t *testing.T, r *Rotator) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	return cancel, errCh
}

func TestRotator_AlternatesSlots(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	r := NewRotator(conn, noopHandler, fastRotatorOptions(), zerolog.Nop())
	cancel, errCh := runRotator(t, r)

	waitFor(t, 2*time.Second, "four connections", func() bool { return len(conn.Conns()) >= 4 })
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: got %v, want context.Canceled", err)
	}

	conns := conn.Conns()
	want := []Slot{SlotA, SlotB, SlotA, SlotB}
	for i, slot := range want {
		if conns[i].slot != slot {
			t.Errorf("connection %d: slot %s, want %s", i, conns[i].slot, slot)
		}
	}
	for i := 0; i < 3; i++ {
		if !conns[i].Drained() {
			t.Errorf("connection %d should have been drained", i)
		}
	}
}

func TestRotator_AtMostTwoLive(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	r := NewRotator(conn, noopHandler, fastRotatorOptions(), zerolog.Nop())
	cancel, errCh := runRotator(t, r)

	waitFor(t, 2*time.Second, "five connections", func() bool { return len(conn.Conns()) >= 5 })
	if got := conn.MaxLive(); got > 2 {
		t.Errorf("peak live connections: got %d, want <= 2", got)
	}
	if r.Live() > 2 {
		t.Errorf("Live: got %d, want <= 2", r.Live())
	}
	cancel()
	<-errCh
	if got := conn.Live(); got != 0 {
		t.Errorf("live after shutdown: got %d, want 0", got)
	}
	if r.Live() != 0 {
		t.Errorf("rotator Live after shutdown: got %d, want 0", r.Live())
	}
}

func TestRotator_AtMostTwoLiveWithStuckDrains(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{stuckDrain: true}
	r := NewRotator(conn, noopHandler, fastRotatorOptions(), zerolog.Nop())
	cancel, errCh := runRotator(t, r)

	peak := 0
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if n := r.Live(); n > peak {
			peak = n
		}
		time.Sleep(time.Millisecond)
	}
	if peak > 2 {
		t.Errorf("peak rotator live connections: got %d, want <= 2", peak)
	}
	if got := conn.MaxLive(); got > 2 {
		t.Errorf("peak upstream live connections: got %d, want <= 2", got)
	}
	if n := len(conn.Conns()); n < 4 {
		t.Errorf("rotation stalled behind stuck drains: %d connections", n)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: got %v, want context.Canceled", err)
	}
	if got := conn.Live(); got != 0 {
		t.Errorf("live after shutdown: got %d, want 0", got)
	}
}

func TestRotator_DrainTimeoutEndsBeforeNextTick(t *testing.T) {
	t.Parallel()
	r := NewRotator(&fakeConnector{}, noopHandler, RotatorOptions{
		RotationInterval: 15 * time.Second,
		DrainGrace:       time.Second,
		DrainTimeout:     30 * time.Second,
	}, zerolog.Nop())
	if got := r.drainTimeout(); got != 14*time.Second {
		t.Errorf("drainTimeout: got %v, want 14s", got)
	}

	r = NewRotator(&fakeConnector{}, noopHandler, fastRotatorOptions(), zerolog.Nop())
	r.opts.DrainTimeout = 5 * time.Millisecond
	if got := r.drainTimeout(); got != 5*time.Millisecond {
		t.Errorf("drainTimeout: got %v, want the configured 5ms", got)
	}
}

func TestRotator_SingleConnectionBetweenDrains(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	opts := RotatorOptions{
		RotationInterval: 200 * time.Millisecond,
		DrainGrace:       10 * time.Millisecond,
		DrainTimeout:     time.Second,
	}
	r := NewRotator(conn, noopHandler, opts, zerolog.Nop())
	cancel, errCh := runRotator(t, r)
	defer func() {
		cancel()
		<-errCh
	}()

	waitFor(t, time.Second, "second connection", func() bool { return len(conn.Conns()) == 2 })
	waitFor(t, time.Second, "drain of the first", func() bool { return conn.Conns()[0].Drained() })
	waitFor(t, time.Second, "one live connection", func() bool { return conn.Live() == 1 && r.Live() == 1 })
	if slot, ok := r.Current(); !ok || slot != SlotB {
		t.Errorf("Current: got %s, %v, want b, true", slot, ok)
	}
}

func TestRotator_ConnectFailure(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{failWith: errBoom}
	r := NewRotator(conn, noopHandler, fastRotatorOptions(), zerolog.Nop())

	err := r.Run(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Run: got %v, want errBoom", err)
	}
	if _, ok := r.Current(); ok {
		t.Error("no connection should be current")
	}
}

func TestRotator_CurrentConnectionEnds(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	opts := fastRotatorOptions()
	opts.RotationInterval = time.Minute
	r := NewRotator(conn, noopHandler, opts, zerolog.Nop())
	_, errCh := runRotator(t, r)

	waitFor(t, time.Second, "first connection", func() bool { return conn.Latest() != nil })
	conn.Latest().Kill(errBoom)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionEnded) || !errors.Is(err, errBoom) {
			t.Fatalf("Run: got %v, want ErrConnectionEnded wrapping errBoom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the connection ended")
	}
}

func TestRotator_DrainFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{drainErr: errBoom}
	r := NewRotator(conn, noopHandler, fastRotatorOptions(), zerolog.Nop())
	cancel, errCh := runRotator(t, r)

	waitFor(t, 2*time.Second, "rotation past a failed drain", func() bool { return len(conn.Conns()) >= 3 })
	select {
	case err := <-errCh:
		t.Fatalf("Run returned early: %v", err)
	default:
	}
	cancel()
	<-errCh
}

func TestRotator_HandlerAttached(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	got := make(chan Event, 1)
	handler := func(_ context.Context, evt Event) { got <- evt }
	opts := fastRotatorOptions()
	opts.RotationInterval = time.Minute
	r := NewRotator(conn, handler, opts, zerolog.Nop())
	cancel, errCh := runRotator(t, r)
	defer func() {
		cancel()
		<-errCh
	}()

	waitFor(t, time.Second, "connection", func() bool { return conn.Latest() != nil })
	conn.Emit(channelEvent(1, 1, "x"))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("handler was not attached to the connection")
	}
}
