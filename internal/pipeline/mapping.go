package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/model"
)

const versionScale = 1_000_000

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Mapper turns change events into destination rows. It is not safe for
// concurrent use; each pipeline owns one.
type Mapper struct {
	now         func() time.Time
	lastVersion uint64
}

func NewMapper() *Mapper {
	return &Mapper{now: time.Now}
}

// Map returns the row for event, nil for operations that are not
// replicated, or a *MalformedEventError.
func (m *Mapper) Map(event *cdc.ChangeEvent) (*model.Row, error) {
	if event == nil {
		return nil, newMalformedEventError(nil, "nil event")
	}
	if event.Cursor.IsZero() {
		return nil, newMalformedEventError(event, "missing resume cursor")
	}
	if event.Operation == "" {
		return nil, newMalformedEventError(event, "missing operation type")
	}
	if !event.Operation.IsSupported() {
		return nil, nil
	}
	if event.ClusterTime == nil {
		return nil, newMalformedEventError(event, "missing cluster time")
	}

	now := m.now()
	row := model.Row{
		OperationTimestamp: model.FormatTimestamp(now),
		Version:            m.version(event.ClusterTime, now),
		ResumeCursor:       event.Cursor,
	}

	if event.Operation == cdc.OperationDelete {
		id, ok := documentID(event.DocumentKey)
		if !ok {
			return nil, newMalformedEventError(event, "missing documentKey._id")
		}
		row.ID = id
		row.OperationType = "delete"
		row.IsDeleted = 1
		return &row, nil
	}

	doc := event.FullDocument
	if doc == nil {
		return nil, newMalformedEventError(event, "missing fullDocument")
	}
	id, ok := documentID(doc)
	if !ok {
		return nil, newMalformedEventError(event, "missing fullDocument._id")
	}

	row.ID = id
	row.OperationType = "insert"
	if event.Operation != cdc.OperationInsert {
		row.OperationType = "update"
	}
	row.Type = stringField(doc["type"])
	row.Status = stringField(doc["status"])

	amount, err := numberField(doc["amount"])
	if err != nil {
		return nil, newMalformedEventError(event, err.Error())
	}
	row.Amount = amount

	createdAt, err := timestampField(doc["createdAt"])
	if err != nil {
		return nil, newMalformedEventError(event, err.Error())
	}
	row.CreatedAt = createdAt

	return &row, nil
}

// version derives the last-write-wins version from the event clock and the
// wall clock, never returning a value below one already handed out.
func (m *Mapper) version(ct *cdc.ClusterTime, now time.Time) uint64 {
	v := uint64(ct.High)*versionScale + uint64(now.UnixMilli()%versionScale)
	if v <= m.lastVersion {
		v = m.lastVersion + 1
	}
	m.lastVersion = v
	return v
}

func documentID(doc map[string]interface{}) (string, bool) {
	if doc == nil {
		return "", false
	}
	v, ok := doc["_id"]
	if !ok || v == nil {
		return "", false
	}
	var id string
	switch n := v.(type) {
	case string:
		id = n
	case json.Number:
		id = n.String()
	case float64:
		id = strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		id = strconv.FormatFloat(float64(n), 'f', -1, 32)
	default:
		id = fmt.Sprint(v)
	}
	return id, id != ""
}

func stringField(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func numberField(v interface{}) (*float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("amount %q is not numeric", n)
		}
		f = parsed
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("amount %q is not numeric", n)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("amount has unsupported type %T", v)
	}
	return &f, nil
}

func timestampField(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case time.Time:
		return model.FormatTimestamp(t), nil
	case int64:
		return model.FormatTimestamp(time.UnixMilli(t)), nil
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return "", fmt.Errorf("createdAt %q is not epoch millis", t)
		}
		return model.FormatTimestamp(time.UnixMilli(ms)), nil
	case float64:
		return model.FormatTimestamp(time.UnixMilli(int64(t))), nil
	case string:
		for _, layout := range createdAtLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return model.FormatTimestamp(parsed), nil
			}
		}
		return "", fmt.Errorf("createdAt %q is not a timestamp", t)
	default:
		return "", fmt.Errorf("createdAt has unsupported type %T", v)
	}
}
