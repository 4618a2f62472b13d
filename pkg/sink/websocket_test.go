// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeReceiver is a WebSocket server recording frames and handshake headers.
type fakeReceiver struct {
	Server *httptest.Server

	mu       sync.Mutex
	frames   []string
	auth     string
	pings    int
	conn     *websocket.Conn
	upgrader websocket.Upgrader
}

func newFakeReceiver(t *testing.T) *fakeReceiver {
	t.Helper()
	r := &fakeReceiver{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.auth = req.Header.Get("Authorization")
		r.conn = conn
		r.mu.Unlock()
		conn.SetPingHandler(func(data string) error {
			r.mu.Lock()
			r.pings++
			r.mu.Unlock()
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.frames = append(r.frames, string(msg))
			r.mu.Unlock()
		}
	}))
	t.Cleanup(r.Server.Close)
	return r
}

func (r *fakeReceiver) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func (r *fakeReceiver) Auth() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auth
}

func (r *fakeReceiver) Pings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pings
}

// Hangup closes the server side of the connection with a close frame.
func (r *fakeReceiver) Hangup() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"http://localhost:7777":   "ws://localhost:7777",
		"https://relay.example":   "wss://relay.example",
		"ws://already":            "ws://already",
		"wss://already.secure/ws": "wss://already.secure/ws",
	}
	for in, want := range tests {
		if got := httpToWS(in); got != want {
			t.Errorf("httpToWS(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestWebSocketTransport_SendAndPing(t *testing.T) {
	t.Parallel()
	recv := newFakeReceiver(t)
	tr, err := DialWebSocket(context.Background(), Options{URL: recv.Server.URL, APIKey: "secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer tr.Close()

	if got := recv.Auth(); got != "Bearer secret" {
		t.Errorf("Authorization: got %q, want %q", got, "Bearer secret")
	}
	if err := tr.Send(context.Background(), "42:7", []byte(`{"channelId":42}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitUntil(t, "frame", func() bool { return len(recv.Frames()) == 1 })
	if got := recv.Frames()[0]; got != `{"channelId":42}` {
		t.Errorf("frame: got %q", got)
	}

	if err := tr.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	waitUntil(t, "ping", func() bool { return recv.Pings() == 1 })
	if tr.Err() != nil {
		t.Errorf("Err: got %v, want nil", tr.Err())
	}
}

func TestWebSocketTransport_ReceiverHangup(t *testing.T) {
	t.Parallel()
	recv := newFakeReceiver(t)
	tr, err := DialWebSocket(context.Background(), Options{URL: recv.Server.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer tr.Close()

	waitUntil(t, "server connection", func() bool {
		recv.mu.Lock()
		defer recv.mu.Unlock()
		return recv.conn != nil
	})
	recv.Hangup()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not notice the hangup")
	}
	if !websocket.IsCloseError(tr.Err(), websocket.CloseGoingAway) {
		t.Errorf("Err: got %v, want close 1001", tr.Err())
	}
	if err := tr.Send(context.Background(), "k", []byte("x")); err == nil {
		t.Error("Send after hangup should fail")
	}
}

func TestWebSocketTransport_Close(t *testing.T) {
	t.Parallel()
	recv := newFakeReceiver(t)
	tr, err := DialWebSocket(context.Background(), Options{URL: recv.Server.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Close")
	}
	if !errors.Is(tr.Err(), ErrTransportClosed) {
		t.Errorf("Err: got %v, want ErrTransportClosed", tr.Err())
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDialWebSocket_Refused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := DialWebSocket(context.Background(), Options{URL: srv.URL}, zerolog.Nop()); err == nil {
		t.Fatal("expected handshake failure")
	}
}
