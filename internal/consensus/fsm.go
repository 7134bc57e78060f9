package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/pixlake/changestream/internal/storage"
)

const lastAppliedKey = "raft_last_applied_index"

type FSM struct {
	mu      sync.RWMutex
	storage *storage.Storage
}

func NewFSM(store *storage.Storage) *FSM {
	return &FSM{
		storage: store,
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	var err error
	switch entry.Type {
	case LogEntrySet:
		err = f.storage.PutEntry(&storage.Entry{
			Key:       entry.Key,
			Value:     entry.Value,
			ExpiresAt: entry.ExpiresAt,
		})
	case LogEntryDel:
		err = f.storage.Del(context.Background(), entry.Key)
	default:
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s %s: %w", entry.Type, entry.Key, err)
	}

	if err := f.storage.SetMetadata(lastAppliedKey, strconv.FormatUint(log.Index, 10)); err != nil {
		return fmt.Errorf("failed to record applied index: %w", err)
	}

	return nil
}

// LastApplied returns the index of the last log entry applied to the local
// ledger, or 0 when none was.
func (f *FSM) LastApplied() uint64 {
	value, err := f.storage.GetMetadata(lastAppliedKey)
	if err != nil {
		return 0
	}
	index, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return index
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := f.storage.Entries()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	return &fsmSnapshot{
		meta: SnapshotMeta{
			Index:     f.LastApplied(),
			Timestamp: time.Now().UTC(),
			Entries:   len(entries),
		},
		entries: entries,
	}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	decoder := json.NewDecoder(rc)

	var snapshot snapshotData
	if err := decoder.Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if err := f.storage.Replace(snapshot.Entries); err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}
	if err := f.storage.SetMetadata(lastAppliedKey, strconv.FormatUint(snapshot.Meta.Index, 10)); err != nil {
		return fmt.Errorf("failed to record applied index: %w", err)
	}

	return nil
}

type snapshotData struct {
	Meta    SnapshotMeta    `json:"meta"`
	Entries []storage.Entry `json:"entries"`
}

type fsmSnapshot struct {
	meta    SnapshotMeta
	entries []storage.Entry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()

	encoder := json.NewEncoder(sink)
	if err := encoder.Encode(snapshotData{Meta: s.meta, Entries: s.entries}); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return nil
}

func (s *fsmSnapshot) Release() {
}
