package consensus

import (
	"context"
	"time"

	"github.com/pixlake/changestream/internal/storage"
)

// replicator is the write side of a Node.
type replicator interface {
	Apply(entry *LogEntry) error
}

// Ledger is a checkpoint ledger whose writes go through the raft log and
// whose reads are served from the local replica. Only the leader can write.
type Ledger struct {
	node  replicator
	store *storage.Storage
	now   func() time.Time
}

func NewLedger(node *Node, store *storage.Storage) *Ledger {
	return &Ledger{node: node, store: store, now: time.Now}
}

func (l *Ledger) Get(ctx context.Context, key string) (string, error) {
	return l.store.Get(ctx, key)
}

func (l *Ledger) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := l.now().UTC()
	entry := &LogEntry{
		Type:      LogEntrySet,
		Key:       key,
		Value:     value,
		Timestamp: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	return l.node.Apply(entry)
}

func (l *Ledger) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.node.Apply(&LogEntry{
		Type:      LogEntryDel,
		Key:       key,
		Timestamp: l.now().UTC(),
	})
}
