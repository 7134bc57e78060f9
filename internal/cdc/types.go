package cdc

import (
	"context"
)

type OperationType string

const (
	OperationInsert       OperationType = "insert"
	OperationUpdate       OperationType = "update"
	OperationReplace      OperationType = "replace"
	OperationDelete       OperationType = "delete"
	OperationDrop         OperationType = "drop"
	OperationRename       OperationType = "rename"
	OperationDropDatabase OperationType = "dropDatabase"
	OperationInvalidate   OperationType = "invalidate"
)

// IsUpsert reports whether the operation carries a full document body.
func (o OperationType) IsUpsert() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationReplace:
		return true
	}
	return false
}

// IsSupported reports whether the operation produces a destination row.
func (o OperationType) IsSupported() bool {
	return o.IsUpsert() || o == OperationDelete
}

// Cursor is an opaque resume position in a change feed. Cursors are totally
// ordered within one collection but carry no meaning outside the feed that
// produced them.
type Cursor struct {
	Data string `json:"_data"`
}

func (c *Cursor) IsZero() bool {
	return c == nil || c.Data == ""
}

func (c *Cursor) String() string {
	if c == nil {
		return ""
	}
	return c.Data
}

// ClusterTime is the logical clock attached to an event by the upstream store.
type ClusterTime struct {
	High uint32 `json:"t"`
	Low  uint32 `json:"i"`
}

type ChangeEvent struct {
	Cursor       *Cursor
	Operation    OperationType
	ClusterTime  *ClusterTime
	FullDocument map[string]interface{}
	DocumentKey  map[string]interface{}
	Collection   string
}

type EventHandler interface {
	HandleChange(ctx context.Context, event *ChangeEvent) error
}

// Feed is an ordered, at-least-once source of change events. Subscribe
// blocks, invoking handler for each event in order, until ctx is cancelled,
// the handler returns an error, or the upstream fails. A nil resumeAfter
// starts from the feed's current position.
type Feed interface {
	Subscribe(ctx context.Context, collection string, resumeAfter *Cursor, handler EventHandler) error
}

// Acknowledger is implemented by feeds that hold upstream resources until a
// position is durably checkpointed.
type Acknowledger interface {
	Ack(collection string, cursor *Cursor)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *ChangeEvent) error

func (f HandlerFunc) HandleChange(ctx context.Context, event *ChangeEvent) error {
	return f(ctx, event)
}

// Aliases renames document fields coming from feeds whose column naming
// differs from the document shape the pipeline expects.
type Aliases map[string]string

// DefaultAliases maps relational column names onto document field names.
func DefaultAliases() Aliases {
	return Aliases{
		"id":         "_id",
		"created_at": "createdAt",
	}
}

func (a Aliases) Apply(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if alias, ok := a[k]; ok {
			k = alias
		}
		out[k] = v
	}
	return out
}
