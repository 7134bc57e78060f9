package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/model"
)

// Pipeline is one run of source, transformer and writer for a collection.
// Stages are linked by unbuffered channels so at most one batch is in
// flight.
type Pipeline struct {
	source      *Source
	transformer *Transformer
	writer      *Writer
}

// New links the stages. When the source's feed is a cdc.Acknowledger the
// writer acknowledges every checkpoint it saves to it.
func New(source *Source, transformer *Transformer, writer *Writer) *Pipeline {
	if ack, ok := source.feed.(cdc.Acknowledger); ok {
		writer.ack = ack
	}
	return &Pipeline{
		source:      source,
		transformer: transformer,
		writer:      writer,
	}
}

// Run blocks until the feed ends and every batch is committed, or until the
// first stage fails, in which case the other stages are torn down and that
// failure is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	events := make(chan *cdc.ChangeEvent)
	batches := make(chan model.Batch)

	g.Go(func() error {
		return p.source.Run(ctx, events)
	})
	g.Go(func() error {
		return p.transformer.Run(ctx, events, batches)
	})
	g.Go(func() error {
		return p.writer.Run(ctx, batches)
	})

	return g.Wait()
}
