package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/metrics"
	"github.com/pixlake/changestream/internal/model"
)

const (
	flushSize    = "size"
	flushTimeout = "timeout"
	flushDrain   = "drain"
)

type TransformerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
}

func (c TransformerConfig) validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("flush timeout must be positive, got %v", c.FlushTimeout)
	}
	return nil
}

// batchState is the accumulating batch and its idle timer. The timer is
// armed only while rows is non-empty.
type batchState struct {
	rows  []model.Row
	timer *time.Timer
}

func (s *batchState) timerC() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

func (s *batchState) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// take hands out the accumulated rows and resets the state.
func (s *batchState) take() []model.Row {
	s.stopTimer()
	rows := s.rows
	s.rows = nil
	return rows
}

// Transformer maps events to rows and groups them into batches flushed when
// full or after FlushTimeout without reaching the size.
type Transformer struct {
	config     TransformerConfig
	collection string
	mapper     *Mapper
	log        zerolog.Logger
	metrics    *metrics.Metrics
	state      batchState
}

func NewTransformer(collection string, config TransformerConfig, mapper *Mapper, log zerolog.Logger, m *metrics.Metrics) (*Transformer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if mapper == nil {
		mapper = NewMapper()
	}
	return &Transformer{
		config:     config,
		collection: collection,
		mapper:     mapper,
		log:        log.With().Str("component", "transformer").Logger(),
		metrics:    m,
	}, nil
}

// Run consumes in until it closes, emitting batches on out, and closes out
// when it returns. A partial batch is flushed when in closes.
func (t *Transformer) Run(ctx context.Context, in <-chan *cdc.ChangeEvent, out chan<- model.Batch) error {
	defer close(out)
	defer t.state.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-in:
			if !ok {
				return t.flush(ctx, out, flushDrain)
			}
			if err := t.add(ctx, event, out); err != nil {
				return err
			}

		case <-t.state.timerC():
			if err := t.flush(ctx, out, flushTimeout); err != nil {
				return err
			}
		}
	}
}

func (t *Transformer) add(ctx context.Context, event *cdc.ChangeEvent, out chan<- model.Batch) error {
	row, err := t.mapper.Map(event)
	if err != nil {
		return err
	}
	if row == nil {
		t.metrics.EventDropped(t.collection, string(event.Operation))
		t.log.Debug().
			Str("operation", string(event.Operation)).
			Str("cursor", event.Cursor.String()).
			Msg("dropping unsupported operation")
		return nil
	}

	t.state.rows = append(t.state.rows, *row)
	if len(t.state.rows) == 1 {
		t.state.timer = time.NewTimer(t.config.FlushTimeout)
	}

	if len(t.state.rows) >= t.config.BatchSize {
		return t.flush(ctx, out, flushSize)
	}
	return nil
}

func (t *Transformer) flush(ctx context.Context, out chan<- model.Batch, reason string) error {
	if len(t.state.rows) == 0 {
		t.state.stopTimer()
		return nil
	}

	batch := model.Batch{Collection: t.collection, Rows: t.state.take()}

	select {
	case out <- batch:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.metrics.BatchFlushed(t.collection, reason)
	t.log.Debug().Int("rows", batch.Len()).Str("reason", reason).Msg("batch flushed")

	return nil
}
