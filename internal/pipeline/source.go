package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/metrics"
)

// CursorLoader resolves the resume position of a collection.
type CursorLoader interface {
	Load(ctx context.Context, collection string) *cdc.Cursor
}

// Source subscribes to a change feed and forwards its events onto a
// channel. The send blocks, so a slow consumer throttles the feed.
type Source struct {
	feed        cdc.Feed
	checkpoints CursorLoader
	collection  string
	resumeAfter *cdc.Cursor
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

// NewSource creates a source for collection. With a nil resumeAfter the
// position is looked up in checkpoints when the source runs.
func NewSource(feed cdc.Feed, checkpoints CursorLoader, collection string, resumeAfter *cdc.Cursor, log zerolog.Logger, m *metrics.Metrics) *Source {
	return &Source{
		feed:        feed,
		checkpoints: checkpoints,
		collection:  collection,
		resumeAfter: resumeAfter,
		log:         log.With().Str("component", "source").Logger(),
		metrics:     m,
	}
}

// Run streams events onto out until the feed ends or ctx is cancelled, and
// closes out when it returns.
func (s *Source) Run(ctx context.Context, out chan<- *cdc.ChangeEvent) error {
	defer close(out)

	cursor := s.resumeAfter
	if cursor.IsZero() && s.checkpoints != nil {
		cursor = s.checkpoints.Load(ctx, s.collection)
	}
	if cursor.IsZero() {
		s.log.Info().Msg("no checkpoint found, starting from the current position")
	}

	handler := cdc.HandlerFunc(func(ctx context.Context, event *cdc.ChangeEvent) error {
		s.metrics.EventReceived(s.collection)
		select {
		case out <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := s.feed.Subscribe(ctx, s.collection, cursor, handler); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &UpstreamError{Collection: s.collection, Err: err}
	}

	s.log.Info().Msg("change feed closed")
	return nil
}
