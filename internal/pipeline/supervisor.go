package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pixlake/changestream/internal/metrics"
)

type SupervisorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Factory builds a fresh pipeline for one supervised attempt.
type Factory func(ctx context.Context) (*Pipeline, error)

// Alerter is notified about pipeline failures.
type Alerter interface {
	SendPipelineFailureAlert(collection string, attempt int, err error, retryIn time.Duration) error
	SendPipelineStoppedAlert(collection string, attempts int, err error) error
}

// Supervisor restarts a failed pipeline with exponential backoff and gives
// up with a *TerminalError after MaxRetries restarts.
type Supervisor struct {
	collection string
	config     SupervisorConfig
	factory    Factory
	alerts     Alerter
	log        zerolog.Logger
	metrics    *metrics.Metrics
	after      func(time.Duration) <-chan time.Time
}

func NewSupervisor(collection string, config SupervisorConfig, factory Factory, alerts Alerter, log zerolog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		collection: collection,
		config:     config,
		factory:    factory,
		alerts:     alerts,
		log:        log.With().Str("component", "supervisor").Logger(),
		metrics:    m,
		after:      time.After,
	}
}

func (s *Supervisor) Collection() string {
	return s.collection
}

// maxRestartDelay caps the wait between two restarts.
const maxRestartDelay = time.Hour

// Delay returns the wait before restart number retry, counting from 1. The
// delay doubles on every retry up to maxRestartDelay.
func (s *Supervisor) Delay(retry int) time.Duration {
	d := s.config.BaseDelay
	for i := 1; i < retry && d > 0 && d < maxRestartDelay; i++ {
		d *= 2
	}
	return min(d, maxRestartDelay)
}

// Run supervises the pipeline until it completes, ctx is cancelled or the
// retries are exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	retries := 0

	for {
		log := s.log.With().
			Str("run_id", uuid.NewString()).
			Int("attempt", retries+1).
			Logger()

		log.Info().Msg("starting pipeline")
		err := s.runOnce(ctx)
		if err == nil {
			log.Info().Msg("pipeline completed")
			return nil
		}
		if ctx.Err() != nil {
			log.Info().Msg("pipeline stopped")
			return ctx.Err()
		}

		retries++
		if retries > s.config.MaxRetries {
			log.Error().Err(err).Int("max_retries", s.config.MaxRetries).Msg("pipeline failed, giving up")
			if s.alerts != nil {
				if alertErr := s.alerts.SendPipelineStoppedAlert(s.collection, retries, err); alertErr != nil {
					log.Warn().Err(alertErr).Msg("failed to send alert")
				}
			}
			return &TerminalError{Collection: s.collection, Attempts: retries, Err: err}
		}

		delay := s.Delay(retries)
		s.metrics.PipelineRestarted(s.collection)
		log.Error().Err(err).Dur("retry_in", delay).Msg("pipeline failed, restarting")

		if s.alerts != nil {
			if alertErr := s.alerts.SendPipelineFailureAlert(s.collection, retries, err, delay); alertErr != nil {
				log.Warn().Err(alertErr).Msg("failed to send alert")
			}
		}

		select {
		case <-s.after(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	p, err := s.factory(ctx)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	return p.Run(ctx)
}
