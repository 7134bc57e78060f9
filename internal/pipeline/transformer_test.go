package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/model"
)

func newTestTransformer(t *testing.T, batchSize int, flushTimeout time.Duration) *Transformer {
	t.Helper()
	tr, err := NewTransformer("transactions", TransformerConfig{
		BatchSize:    batchSize,
		FlushTimeout: flushTimeout,
	}, newTestMapper(), zerolog.Nop(), nil)
	require.NoError(t, err)
	return tr
}

// runTransformer feeds events, closes the input and collects every batch.
func runTransformer(t *testing.T, tr *Transformer, events []*cdc.ChangeEvent) ([]model.Batch, error) {
	t.Helper()

	in := make(chan *cdc.ChangeEvent)
	out := make(chan model.Batch)
	errCh := make(chan error, 1)

	go func() {
		errCh <- tr.Run(t.Context(), in, out)
	}()

	go func() {
		defer close(in)
		for _, e := range events {
			select {
			case in <- e:
			case <-t.Context().Done():
				return
			}
		}
	}()

	var batches []model.Batch
	for b := range out {
		batches = append(batches, b)
	}
	return batches, <-errCh
}

func insertEvents(n int) []*cdc.ChangeEvent {
	events := make([]*cdc.ChangeEvent, n)
	for i := range events {
		events[i] = upsertEvent(cdc.OperationInsert, fmt.Sprintf("c%03d", i), fmt.Sprintf("tx-%d", i))
	}
	return events
}

func batchSizes(batches []model.Batch) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = b.Len()
	}
	return sizes
}

func TestNewTransformerValidates(t *testing.T) {
	_, err := NewTransformer("transactions", TransformerConfig{BatchSize: 0, FlushTimeout: time.Second}, nil, zerolog.Nop(), nil)
	assert.Error(t, err)

	_, err = NewTransformer("transactions", TransformerConfig{BatchSize: 1, FlushTimeout: 0}, nil, zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestTransformerBatchesBySize(t *testing.T) {
	tr := newTestTransformer(t, 10, time.Hour)

	batches, err := runTransformer(t, tr, insertEvents(25))
	require.NoError(t, err)

	assert.Equal(t, []int{10, 10, 5}, batchSizes(batches))
	assert.Equal(t, "c009", batches[0].Cursor().Data)
	assert.Equal(t, "c019", batches[1].Cursor().Data)
	assert.Equal(t, "c024", batches[2].Cursor().Data)
	for _, b := range batches {
		assert.Equal(t, "transactions", b.Collection)
	}
}

func TestTransformerPreservesOrder(t *testing.T) {
	tr := newTestTransformer(t, 4, time.Hour)

	batches, err := runTransformer(t, tr, insertEvents(10))
	require.NoError(t, err)

	i := 0
	for _, b := range batches {
		for _, row := range b.Rows {
			assert.Equal(t, fmt.Sprintf("tx-%d", i), row.ID)
			i++
		}
	}
	assert.Equal(t, 10, i)
}

func TestTransformerEachOperationKind(t *testing.T) {
	tr := newTestTransformer(t, 1, time.Hour)

	events := []*cdc.ChangeEvent{
		upsertEvent(cdc.OperationInsert, "c1", "tx-1"),
		upsertEvent(cdc.OperationUpdate, "c2", "tx-1"),
		upsertEvent(cdc.OperationReplace, "c3", "tx-1"),
		deleteEvent("c4", "tx-1"),
	}

	batches, err := runTransformer(t, tr, events)
	require.NoError(t, err)

	require.Equal(t, []int{1, 1, 1, 1}, batchSizes(batches))
	assert.Equal(t, uint8(0), batches[0].Rows[0].IsDeleted)
	assert.Equal(t, uint8(0), batches[1].Rows[0].IsDeleted)
	assert.Equal(t, uint8(0), batches[2].Rows[0].IsDeleted)
	assert.Equal(t, uint8(1), batches[3].Rows[0].IsDeleted)
}

func TestTransformerDropsUnsupported(t *testing.T) {
	tr := newTestTransformer(t, 3, time.Hour)

	events := insertEvents(5)
	events = append(events[:2], append([]*cdc.ChangeEvent{
		{Cursor: &cdc.Cursor{Data: "d1"}, Operation: cdc.OperationDrop},
		{Cursor: &cdc.Cursor{Data: "d2"}, Operation: cdc.OperationRename},
	}, events[2:]...)...)

	batches, err := runTransformer(t, tr, events)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 2}, batchSizes(batches))
}

func TestTransformerOnlyUnsupportedEmitsNothing(t *testing.T) {
	tr := newTestTransformer(t, 3, 20*time.Millisecond)

	batches, err := runTransformer(t, tr, []*cdc.ChangeEvent{
		{Cursor: &cdc.Cursor{Data: "d1"}, Operation: cdc.OperationDropDatabase},
	})
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestTransformerMalformedEventFails(t *testing.T) {
	tr := newTestTransformer(t, 10, time.Hour)

	bad := upsertEvent(cdc.OperationInsert, "c2", "tx-2")
	bad.ClusterTime = nil

	events := []*cdc.ChangeEvent{upsertEvent(cdc.OperationInsert, "c1", "tx-1"), bad}

	in := make(chan *cdc.ChangeEvent, len(events))
	for _, e := range events {
		in <- e
	}
	out := make(chan model.Batch, 1)

	err := tr.Run(t.Context(), in, out)
	require.Error(t, err)
	assert.True(t, IsMalformedEventError(err))

	_, open := <-out
	assert.False(t, open, "output must be closed after failure")
}

func TestTransformerIdleFlush(t *testing.T) {
	tr := newTestTransformer(t, 1000, 50*time.Millisecond)

	in := make(chan *cdc.ChangeEvent)
	out := make(chan model.Batch)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(ctx, in, out) }()

	start := time.Now()
	in <- upsertEvent(cdc.OperationInsert, "c1", "tx-1")

	select {
	case batch := <-out:
		assert.Equal(t, 1, batch.Len())
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("idle batch was not flushed")
	}

	select {
	case batch := <-out:
		t.Fatalf("unexpected second batch of %d rows", batch.Len())
	case <-time.After(150 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestTransformerTimerRearmsAfterSizeFlush(t *testing.T) {
	tr := newTestTransformer(t, 2, 50*time.Millisecond)

	in := make(chan *cdc.ChangeEvent)
	out := make(chan model.Batch)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go func() { _ = tr.Run(ctx, in, out) }()

	in <- upsertEvent(cdc.OperationInsert, "c1", "tx-1")
	go func() { in <- upsertEvent(cdc.OperationInsert, "c2", "tx-2") }()

	first := <-out
	assert.Equal(t, 2, first.Len())

	in <- upsertEvent(cdc.OperationInsert, "c3", "tx-3")

	select {
	case batch := <-out:
		assert.Equal(t, 1, batch.Len())
		assert.Equal(t, "c3", batch.Cursor().Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timer was not re-armed for the next batch")
	}
}

func TestTransformerCancelledWhileBlocked(t *testing.T) {
	tr := newTestTransformer(t, 1, time.Hour)

	in := make(chan *cdc.ChangeEvent, 1)
	in <- upsertEvent(cdc.OperationInsert, "c1", "tx-1")
	out := make(chan model.Batch)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(ctx, in, out) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("transformer did not stop on cancellation")
	}
	assert.Nil(t, tr.state.timer)
}

func TestTransformerRowCountProperty(t *testing.T) {
	for _, size := range []int{1, 3, 7, 50} {
		t.Run(fmt.Sprintf("batch_%d", size), func(t *testing.T) {
			tr := newTestTransformer(t, size, time.Hour)

			events := insertEvents(23)
			events = append(events, &cdc.ChangeEvent{Cursor: &cdc.Cursor{Data: "x"}, Operation: cdc.OperationInvalidate})

			batches, err := runTransformer(t, tr, events)
			require.NoError(t, err)

			total := 0
			for i, b := range batches {
				total += b.Len()
				if i < len(batches)-1 {
					assert.Equal(t, size, b.Len())
				}
			}
			assert.Equal(t, 23, total)
		})
	}
}
