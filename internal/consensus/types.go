package consensus

import (
	"time"
)

type LogEntryType string

const (
	LogEntrySet LogEntryType = "set"
	LogEntryDel LogEntryType = "del"
)

// LogEntry is one replicated ledger mutation. Expiry is absolute so every
// replica agrees on it regardless of when the entry is applied.
type LogEntry struct {
	Type      LogEntryType `json:"type"`
	Key       string       `json:"key"`
	Value     string       `json:"value,omitempty"`
	ExpiresAt time.Time    `json:"expires_at,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type SnapshotMeta struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Entries   int       `json:"entries"`
}
