package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/metrics"
	"github.com/pixlake/changestream/internal/model"
)

const tracerName = "github.com/pixlake/changestream/internal/pipeline"

// Inserter writes rows into the analytical store in one request.
type Inserter interface {
	BulkInsert(ctx context.Context, table string, rows []model.Row) error
}

// Checkpointer persists the resume position of a collection.
type Checkpointer interface {
	Save(ctx context.Context, collection string, cursor *cdc.Cursor) error
}

type WriterConfig struct {
	Table      string
	Retries    int
	RetryDelay time.Duration
}

// Writer commits batches to the sink and advances the checkpoint only after
// the sink accepted the whole batch.
type Writer struct {
	config      WriterConfig
	inserter    Inserter
	checkpoints Checkpointer
	ack         cdc.Acknowledger
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

func NewWriter(config WriterConfig, inserter Inserter, checkpoints Checkpointer, log zerolog.Logger, m *metrics.Metrics) *Writer {
	if config.Retries < 0 {
		config.Retries = 0
	}
	return &Writer{
		config:      config,
		inserter:    inserter,
		checkpoints: checkpoints,
		log:         log.With().Str("component", "writer").Logger(),
		metrics:     m,
	}
}

// Run writes every batch received on in, returning when in closes or on the
// first failed batch.
func (w *Writer) Run(ctx context.Context, in <-chan model.Batch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				return nil
			}
			if err := w.Write(ctx, batch); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) Write(ctx context.Context, batch model.Batch) error {
	cursor := batch.Cursor()
	if cursor.IsZero() {
		return fmt.Errorf("%s: %w", batch.Collection, ErrMissingCursor)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.write_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", batch.Collection),
		attribute.String("table", w.config.Table),
		attribute.Int("rows", batch.Len()),
	)

	rows := batch.Stripped()
	attempts := 0
	start := time.Now()

	err := retry.Do(
		func() error {
			attempts++
			return w.inserter.BulkInsert(ctx, w.config.Table, rows)
		},
		retry.Context(ctx),
		retry.Attempts(uint(w.config.Retries)+1),
		retry.Delay(w.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.metrics.InsertRetried(batch.Collection)
			w.log.Warn().Err(err).
				Uint("attempt", n+1).
				Int("rows", len(rows)).
				Msg("bulk insert failed")
		}),
	)
	w.metrics.ObserveInsert(batch.Collection, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk insert failed")
		return &SinkError{Collection: batch.Collection, Rows: len(rows), Attempts: attempts, Err: err}
	}
	w.metrics.RowsInserted(batch.Collection, len(rows))

	if err := w.checkpoints.Save(ctx, batch.Collection, cursor); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint save failed")
		return &CheckpointError{Collection: batch.Collection, Cursor: cursor.Data, Err: err}
	}
	if w.ack != nil {
		w.ack.Ack(batch.Collection, cursor)
	}

	w.log.Info().
		Int("rows", len(rows)).
		Int("attempts", attempts).
		Str("cursor", cursor.Data).
		Msg("batch committed")

	return nil
}
