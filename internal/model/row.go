package model

import (
	"time"

	"github.com/pixlake/changestream/internal/cdc"
)

// TimestampLayout matches ClickHouse DateTime64(3) text input.
const TimestampLayout = "2006-01-02 15:04:05.000"

// Row is one destination row in the analytical store. Business fields are
// empty for tombstones.
type Row struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type,omitempty"`
	Amount             *float64 `json:"amount,omitempty"`
	Status             string   `json:"status,omitempty"`
	CreatedAt          string   `json:"created_at,omitempty"`
	OperationType      string   `json:"operation_type"`
	OperationTimestamp string   `json:"operation_timestamp"`
	IsDeleted          uint8    `json:"is_deleted"`
	Version            uint64   `json:"_version"`

	// ResumeCursor is never serialized and is stripped before insert.
	ResumeCursor *cdc.Cursor `json:"-"`
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Batch is an ordered group of rows checkpointed as a unit.
type Batch struct {
	Collection string
	Rows       []Row
}

func (b *Batch) Len() int {
	return len(b.Rows)
}

// Cursor returns the resume cursor of the trailing row.
func (b *Batch) Cursor() *cdc.Cursor {
	if len(b.Rows) == 0 {
		return nil
	}
	return b.Rows[len(b.Rows)-1].ResumeCursor
}

// Stripped returns a copy of the rows with resume cursors removed.
func (b *Batch) Stripped() []Row {
	rows := make([]Row, len(b.Rows))
	for i, row := range b.Rows {
		row.ResumeCursor = nil
		rows[i] = row
	}
	return rows
}
