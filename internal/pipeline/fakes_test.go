package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/model"
)

var errInsert = errors.New("clickhouse: connection refused")

// fakeInserter fails the first failures calls, then behaves like a
// ReplacingMergeTree(_version) table ordered by id.
type fakeInserter struct {
	mu       sync.Mutex
	failures int
	always   bool
	calls    int
	batches  [][]model.Row
	table    map[string]model.Row
	tables   []string
}

func newFakeInserter() *fakeInserter {
	return &fakeInserter{table: make(map[string]model.Row)}
}

func (f *fakeInserter) BulkInsert(_ context.Context, table string, rows []model.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.tables = append(f.tables, table)
	if f.always || f.calls <= f.failures {
		return errInsert
	}

	f.batches = append(f.batches, rows)
	for _, row := range rows {
		if current, ok := f.table[row.ID]; !ok || row.Version >= current.Version {
			f.table[row.ID] = row
		}
	}
	return nil
}

func (f *fakeInserter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeInserter) Sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

type savedCheckpoint struct {
	collection string
	cursor     string
	afterCalls int
}

// fakeCheckpoints records saves and serves loads from them.
type fakeCheckpoints struct {
	mu       sync.Mutex
	inserter *fakeInserter
	saves    []savedCheckpoint
	saveErr  error
	initial  map[string]*cdc.Cursor
}

func newFakeCheckpoints(inserter *fakeInserter) *fakeCheckpoints {
	return &fakeCheckpoints{inserter: inserter, initial: make(map[string]*cdc.Cursor)}
}

func (f *fakeCheckpoints) Save(_ context.Context, collection string, cursor *cdc.Cursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	calls := 0
	if f.inserter != nil {
		calls = f.inserter.Calls()
	}
	f.saves = append(f.saves, savedCheckpoint{collection: collection, cursor: cursor.Data, afterCalls: calls})
	return nil
}

func (f *fakeCheckpoints) Load(_ context.Context, collection string) *cdc.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.saves) - 1; i >= 0; i-- {
		if f.saves[i].collection == collection {
			return &cdc.Cursor{Data: f.saves[i].cursor}
		}
	}
	return f.initial[collection]
}

func (f *fakeCheckpoints) Saves() []savedCheckpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedCheckpoint(nil), f.saves...)
}

// fakeFeed replays events then either returns err or, with block set,
// waits for cancellation.
type fakeFeed struct {
	mu          sync.Mutex
	events      []*cdc.ChangeEvent
	err         error
	block       bool
	resumeAfter []*cdc.Cursor
}

func (f *fakeFeed) Subscribe(ctx context.Context, _ string, resumeAfter *cdc.Cursor, handler cdc.EventHandler) error {
	f.mu.Lock()
	f.resumeAfter = append(f.resumeAfter, resumeAfter)
	events := f.events
	f.mu.Unlock()

	for _, e := range events {
		if err := handler.HandleChange(ctx, e); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

type alertRecord struct {
	collection string
	attempt    int
	retryIn    time.Duration
	stopped    bool
}

type fakeAlerter struct {
	mu      sync.Mutex
	records []alertRecord
}

func (f *fakeAlerter) SendPipelineFailureAlert(collection string, attempt int, _ error, retryIn time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, alertRecord{collection: collection, attempt: attempt, retryIn: retryIn})
	return nil
}

func (f *fakeAlerter) SendPipelineStoppedAlert(collection string, attempts int, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, alertRecord{collection: collection, attempt: attempts, stopped: true})
	return nil
}

// ackingFeed is a fakeFeed that also records acknowledged cursors.
type ackingFeed struct {
	*fakeFeed
	mu   sync.Mutex
	acks []string
}

func (f *ackingFeed) Ack(collection string, cursor *cdc.Cursor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, collection+"@"+cursor.Data)
}

func (f *ackingFeed) Acks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}
