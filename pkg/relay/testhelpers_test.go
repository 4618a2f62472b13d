// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeEvent is a static Event.
type fakeEvent struct {
	chatID    int64
	messageID int64
	ts        time.Time
	text      string
	category  Category
}

func (e *fakeEvent) ChatID() int64          { return e.chatID }
func (e *fakeEvent) MessageID() int64       { return e.messageID }
func (e *fakeEvent) Timestamp() time.Time   { return e.ts }
func (e *fakeEvent) TextOrCaption() string  { return e.text }
func (e *fakeEvent) ChatCategory() Category { return e.category }

// panickingEvent simulates a broken source adapter.
type panickingEvent struct{ fakeEvent }

func (e *panickingEvent) TextOrCaption() string { panic("adapter exploded") }

func channelEvent(chatID, messageID int64, text string) *fakeEvent {
	return &fakeEvent{
		chatID:    chatID,
		messageID: messageID,
		ts:        time.Now().Add(-50 * time.Millisecond),
		text:      text,
		category:  CategoryChannel,
	}
}

// fakeConnection stops when its context is cancelled, when it is drained or
// when the test kills it.
type fakeConnection struct {
	slot    Slot
	handler EventHandler

	done     chan struct{}
	stopOnce sync.Once
	err      error

	mu      sync.Mutex
	drained bool

	drainErr   error
	stuckDrain bool
	onStop     func()
}

func (c *fakeConnection) stop(err error) {
	c.stopOnce.Do(func() {
		c.err = err
		if c.onStop != nil {
			c.onStop()
		}
		close(c.done)
	})
}

func (c *fakeConnection) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.drained = true
	c.mu.Unlock()
	if c.stuckDrain {
		// Hangs like an unanswered request; the connection only stops once
		// its own context is cancelled.
		<-ctx.Done()
		return ctx.Err()
	}
	c.stop(nil)
	return c.drainErr
}

func (c *fakeConnection) Done() <-chan struct{} { return c.done }

func (c *fakeConnection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *fakeConnection) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drained
}

// Kill ends the connection as if the upstream dropped it.
func (c *fakeConnection) Kill(err error) { c.stop(err) }

// fakeConnector records every connection it hands out and the peak number
// of simultaneously live connections.
type fakeConnector struct {
	mu       sync.Mutex
	conns    []*fakeConnection
	live     int
	maxLive  int
	failWith   error
	drainErr   error
	stuckDrain bool
}

func (f *fakeConnector) Connect(ctx context.Context, slot Slot, handler EventHandler) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	conn := &fakeConnection{
		slot:     slot,
		handler:  handler,
		done:     make(chan struct{}),
		drainErr:   f.drainErr,
		stuckDrain: f.stuckDrain,
	}
	conn.onStop = func() {
		f.mu.Lock()
		f.live--
		f.mu.Unlock()
	}
	f.conns = append(f.conns, conn)
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	go func() {
		select {
		case <-ctx.Done():
			conn.stop(ctx.Err())
		case <-conn.done:
		}
	}()
	return conn, nil
}

func (f *fakeConnector) Conns() []*fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*fakeConnection, len(f.conns))
	copy(cp, f.conns)
	return cp
}

func (f *fakeConnector) Latest() *fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeConnector) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *fakeConnector) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// Emit pushes evt through the newest connection's handler.
func (f *fakeConnector) Emit(evt Event) {
	conn := f.Latest()
	if conn != nil {
		conn.handler(context.Background(), evt)
	}
}

type sentPayload struct {
	Key  string
	Body []byte
}

// fakeTransport records sent payloads. sendErr and pingErr are consulted on
// every call.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentPayload
	pings    int
	closed   bool
	sendErr  error
	failNext int // number of upcoming Send calls that fail with errBoom
	pingErr  error
	block    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Send(ctx context.Context, key string, body []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errBoom
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentPayload{Key: key, Body: append([]byte(nil), body...)})
	return nil
}

func (f *fakeTransport) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Sent() []sentPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentPayload, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) SetPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeTransport) SetSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// watchingTransport adds TransportWatcher to fakeTransport.
type watchingTransport struct {
	*fakeTransport
	done     chan struct{}
	killOnce sync.Once
	err      error
}

func newWatchingTransport() *watchingTransport {
	return &watchingTransport{fakeTransport: newFakeTransport(), done: make(chan struct{})}
}

func (w *watchingTransport) Done() <-chan struct{} { return w.done }
func (w *watchingTransport) Err() error            { return w.err }

func (w *watchingTransport) Kill(err error) {
	w.killOnce.Do(func() {
		w.err = err
		close(w.done)
	})
}

var errBoom = errors.New("boom")

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}
