// Copyright 2024-2026 Aiku AI

package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aiku/tg-relay/pkg/relay"
)

// maxErrorBody bounds how much of a rejected response is logged.
const maxErrorBody = 512

// HTTPTransport POSTs every payload to a fixed URL.
type HTTPTransport struct {
	client  *http.Client
	url     string
	pingURL string
	apiKey  string
	log     zerolog.Logger
}

var _ relay.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTP transport. Without a ping URL the
// keep-alive is a no-op.
func NewHTTPTransport(cfg Options, log zerolog.Logger) *HTTPTransport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed receivers
	}
	return &HTTPTransport{
		client:  &http.Client{Transport: transport, Timeout: cfg.timeout()},
		url:     cfg.URL,
		pingURL: cfg.PingURL,
		apiKey:  cfg.APIKey,
		log:     log.With().Str("component", "http_sink").Str("url", cfg.URL).Logger(),
	}
}

// Send posts body as JSON. Only network failures are returned; a non-2xx
// answer is logged and the message is considered handed over.
func (t *HTTPTransport) Send(ctx context.Context, key string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		t.log.Warn().
			Str("key", key).
			Int("status", resp.StatusCode).
			Str("body", string(snippet)).
			Msg("Receiver rejected message")
		return nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Ping issues GET ping_url and expects 200.
func (t *HTTPTransport) Ping(ctx context.Context) error {
	if t.pingURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.pingURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
