// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/tg-relay/pkg/relay"
)

const closeWriteTimeout = time.Second

// WebSocketTransport keeps one persistent WebSocket connection to the
// downstream receiver. Every payload is one text frame.
type WebSocketTransport struct {
	conn    *websocket.Conn
	url     string
	timeout time.Duration

	writeMu sync.Mutex

	stopOnce sync.Once
	stopChan chan struct{}

	failOnce sync.Once
	done     chan struct{}
	err      error

	log zerolog.Logger
}

var (
	_ relay.Transport        = (*WebSocketTransport)(nil)
	_ relay.TransportWatcher = (*WebSocketTransport)(nil)
)

// DialWebSocket connects to cfg.URL. The API key, when set, is sent as a
// bearer token on the handshake.
func DialWebSocket(ctx context.Context, cfg Options, log zerolog.Logger) (*WebSocketTransport, error) {
	wsURL := httpToWS(cfg.URL)
	log = log.With().Str("component", "ws_sink").Str("ws_url", wsURL).Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.timeout(),
	}
	if cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed receivers
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, authHeader(cfg.APIKey))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect websocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect websocket: %w", err)
	}

	t := &WebSocketTransport{
		conn:     conn,
		url:      wsURL,
		timeout:  cfg.timeout(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		log:      log,
	}
	conn.SetPongHandler(func(string) error {
		t.log.Trace().Msg("Received pong")
		return nil
	})
	go t.listen()

	log.Info().Msg("WebSocket connected")
	return t, nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// listen drains incoming frames so control frames get processed. The
// receiver is not expected to send data; anything it sends is discarded.
func (t *WebSocketTransport) listen() {
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			select {
			case <-t.stopChan:
				t.fail(ErrTransportClosed)
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.log.Warn().Err(err).Msg("Receiver closed the WebSocket")
				} else {
					t.log.Error().Err(err).Msg("WebSocket read failed")
				}
				t.fail(err)
			}
			return
		}
	}
}

func (t *WebSocketTransport) fail(err error) {
	t.failOnce.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *WebSocketTransport) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(t.timeout)
}

// Send writes body as a single text frame.
func (t *WebSocketTransport) Send(ctx context.Context, _ string, body []byte) error {
	select {
	case <-t.done:
		return t.err
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Ping writes a ping control frame.
func (t *WebSocketTransport) Ping(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	default:
	}
	if err := t.conn.WriteControl(websocket.PingMessage, nil, t.deadline(ctx)); err != nil {
		return fmt.Errorf("failed to write ping: %w", err)
	}
	return nil
}

// Done is closed when the connection is lost.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the connection was lost.
func (t *WebSocketTransport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close sends a close frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopChan)
		t.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		writeErr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		t.writeMu.Unlock()
		if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
			t.log.Debug().Err(writeErr).Msg("Failed to send close frame")
		}
		err = t.conn.Close()
		t.log.Info().Msg("WebSocket closed")
	})
	return err
}
