// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultRestartDelay = 5 * time.Second

var errStoppedWithoutError = errors.New("pipeline stopped without error")

// Runner is one supervised attempt.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// StatsReporter is implemented by runners that expose live counters.
type StatsReporter interface {
	Stats() PipelineStats
}

// PipelineFactory builds a fresh runner for every attempt. log already carries
// the attempt fields.
type PipelineFactory func(log zerolog.Logger) Runner

// SupervisorStatus describes the current attempt.
type SupervisorStatus struct {
	Attempt   int            `json:"attempt"`
	AttemptID string         `json:"attempt_id,omitempty"`
	Running   bool           `json:"running"`
	StartedAt time.Time      `json:"started_at"`
	LastError string         `json:"last_error,omitempty"`
	Pipeline  *PipelineStats `json:"pipeline,omitempty"`
}

// Supervisor restarts the pipeline forever. Every attempt starts from a
// brand new runner, so no cache, sink or connection outlives a failure.
type Supervisor struct {
	factory      PipelineFactory
	restartDelay time.Duration
	log          zerolog.Logger

	mu        sync.Mutex
	attempt   int
	attemptID string
	running   bool
	startedAt time.Time
	lastErr   error
	runner    Runner
}

// NewSupervisor creates a supervisor. A non-positive restartDelay falls back
// to DefaultRestartDelay.
func NewSupervisor(factory PipelineFactory, restartDelay time.Duration, log zerolog.Logger) *Supervisor {
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	return &Supervisor{
		factory:      factory,
		restartDelay: restartDelay,
		log:          log.With().Str("component", "supervisor").Logger(),
	}
}

// Run returns nil once ctx is cancelled and never otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		attemptID := uuid.NewString()
		log := s.log.With().Int("attempt", attempt).Str("attempt_id", attemptID).Logger()
		runner := s.factory(log)

		s.mu.Lock()
		s.attempt = attempt
		s.attemptID = attemptID
		s.running = true
		s.startedAt = time.Now()
		s.runner = runner
		s.mu.Unlock()

		log.Info().Msg("Starting relay pipeline")
		err := runner.Run(ctx)

		s.mu.Lock()
		s.running = false
		s.runner = nil
		if ctx.Err() == nil {
			if err == nil {
				err = errStoppedWithoutError
			}
			s.lastErr = err
		}
		s.mu.Unlock()

		if ctx.Err() != nil {
			log.Info().Msg("Relay pipeline stopped")
			return nil
		}
		log.Error().Err(err).Dur("restart_delay", s.restartDelay).Msg("Relay pipeline failed, restarting")

		timer := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Status returns the state of the current or last attempt.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	status := SupervisorStatus{
		Attempt:   s.attempt,
		AttemptID: s.attemptID,
		Running:   s.running,
		StartedAt: s.startedAt,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	runner := s.runner
	s.mu.Unlock()

	if reporter, ok := runner.(StatsReporter); ok {
		stats := reporter.Stats()
		status.Pipeline = &stats
	}
	return status
}
