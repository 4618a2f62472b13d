// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// StatusSource is what the admin API reports on.
type StatusSource interface {
	Status() SupervisorStatus
}

// AdminAPI serves the read-only admin endpoints.
type AdminAPI struct {
	server *http.Server
	source StatusSource
	log    zerolog.Logger
}

// NewAdminAPI creates an admin API listening on addr.
func NewAdminAPI(addr string, source StatusSource, log zerolog.Logger) *AdminAPI {
	api := &AdminAPI{
		source: source,
		log:    log.With().Str("component", "admin_api").Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", api.HandleStatus)
	api.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return api
}

// Run serves until ctx is cancelled.
func (a *AdminAPI) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("Starting admin API")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(shutdownCtx)
}

// HandleStatus is an HTTP handler for GET /api/status.
func (a *AdminAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.source.Status()); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write status response")
	}
}
