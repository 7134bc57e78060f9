package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runner supervises one pipeline per collection. A collection that gives up
// does not stop the others; all failures are reported together.
type Runner struct {
	supervisors []*Supervisor
	log         zerolog.Logger
}

func NewRunner(supervisors []*Supervisor, log zerolog.Logger) *Runner {
	return &Runner{
		supervisors: supervisors,
		log:         log.With().Str("component", "runner").Logger(),
	}
}

func (r *Runner) Run(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, s := range r.supervisors {
		g.Go(func() error {
			err := s.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Str("collection", s.Collection()).Msg("collection pipeline stopped")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return ctx.Err()
}
