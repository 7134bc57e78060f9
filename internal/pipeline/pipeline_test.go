package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlake/changestream/internal/cdc"
)

type testRig struct {
	feed        *fakeFeed
	inserter    *fakeInserter
	checkpoints *fakeCheckpoints
	mapper      *Mapper
}

func newTestRig(events []*cdc.ChangeEvent) *testRig {
	inserter := newFakeInserter()
	return &testRig{
		feed:        &fakeFeed{events: events},
		inserter:    inserter,
		checkpoints: newFakeCheckpoints(inserter),
		mapper:      newTestMapper(),
	}
}

func (r *testRig) build(t *testing.T, batchSize int) *Pipeline {
	t.Helper()
	log := zerolog.Nop()

	source := NewSource(r.feed, r.checkpoints, "transactions", nil, log, nil)
	transformer, err := NewTransformer("transactions", TransformerConfig{
		BatchSize:    batchSize,
		FlushTimeout: time.Hour,
	}, r.mapper, log, nil)
	require.NoError(t, err)
	writer := newTestWriter(r.inserter, r.checkpoints)

	return New(source, transformer, writer)
}

func TestPipelineEndToEnd(t *testing.T) {
	rig := newTestRig(insertEvents(25))

	require.NoError(t, rig.build(t, 10).Run(t.Context()))

	assert.Equal(t, []int{10, 10, 5}, rig.inserter.Sizes())

	saves := rig.checkpoints.Saves()
	require.Len(t, saves, 3)
	assert.Equal(t, "c009", saves[0].cursor)
	assert.Equal(t, "c019", saves[1].cursor)
	assert.Equal(t, "c024", saves[2].cursor)
}

func TestPipelineEachOperationKind(t *testing.T) {
	rig := newTestRig([]*cdc.ChangeEvent{
		upsertEvent(cdc.OperationInsert, "c1", "tx-1"),
		upsertEvent(cdc.OperationUpdate, "c2", "tx-1"),
		upsertEvent(cdc.OperationReplace, "c3", "tx-1"),
		deleteEvent("c4", "tx-1"),
	})

	require.NoError(t, rig.build(t, 1).Run(t.Context()))

	require.Equal(t, []int{1, 1, 1, 1}, rig.inserter.Sizes())
	assert.Equal(t, uint8(1), rig.inserter.batches[3][0].IsDeleted)
	assert.Equal(t, uint8(1), rig.inserter.table["tx-1"].IsDeleted)
	assert.Len(t, rig.checkpoints.Saves(), 4)
}

func TestPipelineResumesFromCheckpoint(t *testing.T) {
	rig := newTestRig(nil)
	rig.checkpoints.initial["transactions"] = &cdc.Cursor{Data: "saved"}

	require.NoError(t, rig.build(t, 10).Run(t.Context()))

	require.Len(t, rig.feed.resumeAfter, 1)
	assert.Equal(t, "saved", rig.feed.resumeAfter[0].Data)
}

func TestSourceExplicitCursorWins(t *testing.T) {
	feed := &fakeFeed{}
	checkpoints := newFakeCheckpoints(nil)
	checkpoints.initial["transactions"] = &cdc.Cursor{Data: "saved"}

	source := NewSource(feed, checkpoints, "transactions", &cdc.Cursor{Data: "explicit"}, zerolog.Nop(), nil)
	require.NoError(t, source.Run(t.Context(), make(chan *cdc.ChangeEvent)))

	assert.Equal(t, "explicit", feed.resumeAfter[0].Data)
}

func TestSourceStartsFreshWithoutCheckpoint(t *testing.T) {
	feed := &fakeFeed{}

	source := NewSource(feed, newFakeCheckpoints(nil), "transactions", nil, zerolog.Nop(), nil)
	require.NoError(t, source.Run(t.Context(), make(chan *cdc.ChangeEvent)))

	assert.Nil(t, feed.resumeAfter[0])
}

func TestPipelineUpstreamFailure(t *testing.T) {
	rig := newTestRig(insertEvents(3))
	rig.feed.err = errors.New("cursor killed")

	err := rig.build(t, 10).Run(t.Context())

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "transactions", upstream.Collection)
}

func TestPipelineMalformedEventAborts(t *testing.T) {
	bad := upsertEvent(cdc.OperationInsert, "c2", "tx-2")
	bad.FullDocument = nil

	rig := newTestRig([]*cdc.ChangeEvent{upsertEvent(cdc.OperationInsert, "c1", "tx-1"), bad})
	rig.feed.block = true

	err := rig.build(t, 10).Run(t.Context())

	require.Error(t, err)
	assert.True(t, IsMalformedEventError(err))
	assert.Empty(t, rig.checkpoints.Saves())
}

func TestPipelineSinkFailureTearsDown(t *testing.T) {
	rig := newTestRig(insertEvents(5))
	rig.inserter.always = true
	rig.feed.block = true

	done := make(chan error, 1)
	go func() { done <- rig.build(t, 2).Run(t.Context()) }()

	select {
	case err := <-done:
		assert.True(t, IsSinkError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not tear down after sink failure")
	}
	assert.Empty(t, rig.checkpoints.Saves())
}

func TestPipelineCancellation(t *testing.T) {
	rig := newTestRig(insertEvents(2))
	rig.feed.block = true

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- rig.build(t, 10).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop on cancellation")
	}
	assert.Empty(t, rig.checkpoints.Saves(), "a partial batch is not flushed on cancellation")
}

func TestPipelineAcknowledgesCheckpointsToFeed(t *testing.T) {
	rig := newTestRig(insertEvents(25))
	feed := &ackingFeed{fakeFeed: rig.feed}
	log := zerolog.Nop()

	source := NewSource(feed, rig.checkpoints, "transactions", nil, log, nil)
	transformer, err := NewTransformer("transactions", TransformerConfig{BatchSize: 10, FlushTimeout: time.Hour}, rig.mapper, log, nil)
	require.NoError(t, err)

	require.NoError(t, New(source, transformer, newTestWriter(rig.inserter, rig.checkpoints)).Run(t.Context()))

	assert.Equal(t, []string{"transactions@c009", "transactions@c019", "transactions@c024"}, feed.Acks())
}
