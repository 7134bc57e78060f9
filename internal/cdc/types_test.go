package cdc

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

type mockHandler struct {
	events []*ChangeEvent
}

func (m *mockHandler) HandleChange(_ context.Context, event *ChangeEvent) error {
	m.events = append(m.events, event)
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestOperationTypeClassification(t *testing.T) {
	tests := []struct {
		op        OperationType
		upsert    bool
		supported bool
	}{
		{OperationInsert, true, true},
		{OperationUpdate, true, true},
		{OperationReplace, true, true},
		{OperationDelete, false, true},
		{OperationDrop, false, false},
		{OperationRename, false, false},
		{OperationDropDatabase, false, false},
		{OperationInvalidate, false, false},
		{OperationType("shardCollection"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			if got := tt.op.IsUpsert(); got != tt.upsert {
				t.Errorf("IsUpsert() = %v, want %v", got, tt.upsert)
			}
			if got := tt.op.IsSupported(); got != tt.supported {
				t.Errorf("IsSupported() = %v, want %v", got, tt.supported)
			}
		})
	}
}

func TestCursorIsZero(t *testing.T) {
	var nilCursor *Cursor
	if !nilCursor.IsZero() {
		t.Error("nil cursor should be zero")
	}
	if !(&Cursor{}).IsZero() {
		t.Error("empty cursor should be zero")
	}
	if (&Cursor{Data: "8263"}).IsZero() {
		t.Error("cursor with data should not be zero")
	}
	if nilCursor.String() != "" {
		t.Errorf("expected empty string for nil cursor, got %q", nilCursor.String())
	}
}

func TestAliasesApply(t *testing.T) {
	doc := map[string]interface{}{
		"id":         "tx-1",
		"created_at": "2024-01-15 10:30:00",
		"amount":     int64(100),
	}

	out := DefaultAliases().Apply(doc)

	if out["_id"] != "tx-1" {
		t.Errorf("expected _id to be aliased, got %v", out["_id"])
	}
	if _, ok := out["id"]; ok {
		t.Error("original id key should not be kept")
	}
	if out["createdAt"] != "2024-01-15 10:30:00" {
		t.Errorf("expected createdAt to be aliased, got %v", out["createdAt"])
	}
	if out["amount"] != int64(100) {
		t.Errorf("expected amount to pass through, got %v", out["amount"])
	}

	if DefaultAliases().Apply(nil) != nil {
		t.Error("nil document should stay nil")
	}
}

func TestHandlerFunc(t *testing.T) {
	handler := &mockHandler{}
	fn := HandlerFunc(handler.HandleChange)

	event := &ChangeEvent{Collection: "transactions", Operation: OperationInsert}
	if err := fn.HandleChange(context.Background(), event); err != nil {
		t.Fatalf("HandleChange failed: %v", err)
	}

	if len(handler.events) != 1 || handler.events[0] != event {
		t.Errorf("expected event to be forwarded, got %v", handler.events)
	}
}
