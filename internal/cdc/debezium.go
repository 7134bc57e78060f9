package cdc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type DebeziumConfig struct {
	Brokers     []string
	TopicPrefix string
	Partition   int
	Aliases     Aliases
}

// DebeziumFeed reads Debezium change envelopes from a single Kafka topic
// partition. Cursors are partition offsets.
type DebeziumFeed struct {
	config *DebeziumConfig
	dialer *kafka.Dialer
	log    zerolog.Logger
}

func NewDebeziumFeed(config *DebeziumConfig, log zerolog.Logger) *DebeziumFeed {
	if config.Aliases == nil {
		config.Aliases = DefaultAliases()
	}
	return &DebeziumFeed{
		config: config,
		dialer: &kafka.Dialer{Timeout: 10 * time.Second},
		log:    log.With().Str("feed", "debezium").Logger(),
	}
}

func (f *DebeziumFeed) topic(collection string) string {
	if f.config.TopicPrefix == "" {
		return collection
	}
	return f.config.TopicPrefix + "." + collection
}

// lookupPartitions asks each broker in turn for the partitions of topic.
func (f *DebeziumFeed) lookupPartitions(ctx context.Context, topic string) ([]kafka.Partition, error) {
	var errs []error
	for _, broker := range f.config.Brokers {
		partitions, err := f.dialer.LookupPartitions(ctx, "tcp", broker, topic)
		if err == nil {
			return partitions, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return nil, fmt.Errorf("failed to look up partitions of %s: %w", topic, errors.Join(errs...))
}

// checkPartitions rejects topics the reader would only partly consume.
// Offsets are only ordered within a partition, so a topic must have exactly
// the one partition the feed is configured for.
func checkPartitions(topic string, partitions []kafka.Partition, want int) error {
	if len(partitions) != 1 {
		return fmt.Errorf("topic %s has %d partitions, exactly one is supported", topic, len(partitions))
	}
	if partitions[0].ID != want {
		return fmt.Errorf("topic %s has no partition %d", topic, want)
	}
	return nil
}

func (f *DebeziumFeed) Subscribe(ctx context.Context, collection string, resumeAfter *Cursor, handler EventHandler) error {
	partitions, err := f.lookupPartitions(ctx, f.topic(collection))
	if err != nil {
		return err
	}
	if err := checkPartitions(f.topic(collection), partitions, f.config.Partition); err != nil {
		return err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   f.config.Brokers,
		Topic:     f.topic(collection),
		Partition: f.config.Partition,
		Dialer:    f.dialer,
		MinBytes:  1,
		MaxBytes:  10 << 20,
	})
	defer reader.Close()

	offset := kafka.LastOffset
	if !resumeAfter.IsZero() {
		last, err := strconv.ParseInt(resumeAfter.Data, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid resume cursor %q: %w", resumeAfter.Data, err)
		}
		offset = last + 1
	}
	if err := reader.SetOffset(offset); err != nil {
		return fmt.Errorf("failed to seek topic %s: %w", f.topic(collection), err)
	}

	f.log.Info().
		Str("topic", f.topic(collection)).
		Int64("offset", offset).
		Msg("debezium reader started")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from %s: %w", f.topic(collection), err)
		}

		// Tombstones follow deletes for log compaction and carry nothing.
		if len(msg.Value) == 0 {
			continue
		}

		event, err := decodeEnvelope(msg.Value, msg.Key, f.config.Aliases)
		if err != nil {
			return fmt.Errorf("bad payload at offset %d: %w", msg.Offset, err)
		}
		event.Cursor = &Cursor{Data: strconv.FormatInt(msg.Offset, 10)}
		event.Collection = collection

		if err := handler.HandleChange(ctx, event); err != nil {
			return err
		}
	}
}

type envelope struct {
	Op     string                 `json:"op"`
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Source struct {
		TsMs *int64 `json:"ts_ms"`
		TxID *int64 `json:"txId"`
	} `json:"source"`
	TsMs *int64 `json:"ts_ms"`
}

func decodeEnvelope(value, key []byte, aliases Aliases) (*ChangeEvent, error) {
	env, err := unmarshalEnvelope(value)
	if err != nil {
		return nil, err
	}

	event := &ChangeEvent{
		Operation: debeziumOperation(env.Op),
	}

	ts := env.Source.TsMs
	if ts == nil {
		ts = env.TsMs
	}
	if ts != nil {
		event.ClusterTime = &ClusterTime{
			High: uint32(*ts / 1000),
			Low:  uint32(*ts % 1000),
		}
	}

	if env.After != nil {
		event.FullDocument = aliases.Apply(env.After)
	}

	switch {
	case env.Before != nil:
		event.DocumentKey = keyOf(aliases.Apply(env.Before))
	case env.After != nil:
		event.DocumentKey = keyOf(event.FullDocument)
	case len(key) > 0:
		var k map[string]interface{}
		if err := decodeJSON(key, &k); err == nil {
			if payload, ok := k["payload"].(map[string]interface{}); ok {
				k = payload
			}
			event.DocumentKey = keyOf(aliases.Apply(k))
		}
	}

	return event, nil
}

// unmarshalEnvelope accepts the bare payload, the schema wrapped form and
// payloads that were stringified once more by an upstream producer.
func unmarshalEnvelope(b []byte) (*envelope, error) {
	var wrapped struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &wrapped); err == nil && len(wrapped.Payload) > 0 && wrapped.Payload[0] == '{' {
		b = wrapped.Payload
	}

	var env envelope
	if err := decodeJSON(b, &env); err == nil {
		return &env, nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("payload is neither an envelope nor a string")
	}
	return unmarshalEnvelope([]byte(s))
}

// decodeJSON keeps numbers as json.Number so integer keys survive intact.
func decodeJSON(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func debeziumOperation(op string) OperationType {
	switch strings.ToLower(op) {
	case "c", "r":
		return OperationInsert
	case "u":
		return OperationUpdate
	case "d":
		return OperationDelete
	case "t":
		return OperationDrop
	case "":
		return ""
	default:
		return OperationType("debezium:" + op)
	}
}

func keyOf(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	if id, ok := doc["_id"]; ok {
		return map[string]interface{}{"_id": id}
	}
	return nil
}
