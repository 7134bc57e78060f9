package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/checkpoint"
)

// localReplicator applies entries straight to an FSM, standing in for a
// single-node cluster.
type localReplicator struct {
	fsm     *FSM
	index   uint64
	leader  bool
	entries []*LogEntry
}

func (r *localReplicator) Apply(entry *LogEntry) error {
	if !r.leader {
		return ErrNotLeader
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	r.index++
	r.entries = append(r.entries, entry)
	if err, ok := r.fsm.Apply(&raft.Log{Index: r.index, Data: data}).(error); ok {
		return err
	}
	return nil
}

func TestLedgerSetGetDel(t *testing.T) {
	store := newTestStorage(t)
	rep := &localReplicator{fsm: NewFSM(store), leader: true}
	ledger := &Ledger{node: rep, store: store, now: time.Now}

	require.NoError(t, ledger.Set(t.Context(), "k", "v", 0))
	value, err := ledger.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	require.NoError(t, ledger.Del(t.Context(), "k"))
	_, err = ledger.Get(t.Context(), "k")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestLedgerTTLIsAbsolute(t *testing.T) {
	store := newTestStorage(t)
	rep := &localReplicator{fsm: NewFSM(store), leader: true}
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	ledger := &Ledger{node: rep, store: store, now: func() time.Time { return now }}

	require.NoError(t, ledger.Set(t.Context(), "k", "v", time.Hour))

	require.Len(t, rep.entries, 1)
	assert.Equal(t, now.Add(time.Hour), rep.entries[0].ExpiresAt)
}

func TestLedgerRejectsWritesOnFollower(t *testing.T) {
	store := newTestStorage(t)
	ledger := &Ledger{node: &localReplicator{fsm: NewFSM(store)}, store: store, now: time.Now}

	err := ledger.Set(t.Context(), "k", "v", 0)
	assert.True(t, errors.Is(err, ErrNotLeader))
}

func TestLedgerHonoursCancelledContext(t *testing.T) {
	store := newTestStorage(t)
	rep := &localReplicator{fsm: NewFSM(store), leader: true}
	ledger := &Ledger{node: rep, store: store, now: time.Now}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.ErrorIs(t, ledger.Set(ctx, "k", "v", 0), context.Canceled)
	assert.Empty(t, rep.entries)
}

func TestLedgerBacksCheckpointStore(t *testing.T) {
	store := newTestStorage(t)
	rep := &localReplicator{fsm: NewFSM(store), leader: true}
	cps := checkpoint.NewStore(&Ledger{node: rep, store: store, now: time.Now}, zerolog.Nop(), nil)

	require.NoError(t, cps.Save(t.Context(), "transactions", &cdc.Cursor{Data: "first"}))
	require.NoError(t, cps.Save(t.Context(), "transactions", &cdc.Cursor{Data: "second"}))

	assert.Equal(t, "second", cps.Load(t.Context(), "transactions").Data)
	assert.Equal(t, "first", cps.LoadBackup(t.Context(), "transactions").Data)
}
