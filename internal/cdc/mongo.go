package cdc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConfig struct {
	URI      string
	Database string
}

// MongoFeed streams change events from a MongoDB change stream.
type MongoFeed struct {
	config *MongoConfig
	client *mongo.Client
	log    zerolog.Logger
}

func NewMongoFeed(ctx context.Context, config *MongoConfig, log zerolog.Logger) (*MongoFeed, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoFeed{
		config: config,
		client: client,
		log:    log.With().Str("feed", "mongodb").Logger(),
	}, nil
}

type changeDocument struct {
	ID            *resumeToken         `bson:"_id"`
	OperationType string               `bson:"operationType"`
	ClusterTime   *primitive.Timestamp `bson:"clusterTime"`
	FullDocument  bson.M               `bson:"fullDocument"`
	DocumentKey   bson.M               `bson:"documentKey"`
}

type resumeToken struct {
	Data string `bson:"_data"`
}

func (f *MongoFeed) Subscribe(ctx context.Context, collection string, resumeAfter *Cursor, handler EventHandler) error {
	coll := f.client.Database(f.config.Database).Collection(collection)

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if !resumeAfter.IsZero() {
		opts.SetResumeAfter(bson.M{"_data": resumeAfter.Data})
	}

	cs, err := coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return fmt.Errorf("failed to open change stream on %s: %w", collection, err)
	}
	defer cs.Close(context.Background())

	f.log.Info().
		Str("collection", collection).
		Str("resume_after", resumeAfter.String()).
		Msg("change stream opened")

	for cs.Next(ctx) {
		var doc changeDocument
		if err := cs.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode change event: %w", err)
		}

		if err := handler.HandleChange(ctx, doc.toChangeEvent(collection)); err != nil {
			return err
		}
	}

	if err := cs.Err(); err != nil {
		return fmt.Errorf("change stream on %s failed: %w", collection, err)
	}

	return nil
}

func (f *MongoFeed) Close(ctx context.Context) error {
	return f.client.Disconnect(ctx)
}

func (d *changeDocument) toChangeEvent(collection string) *ChangeEvent {
	event := &ChangeEvent{
		Operation:    OperationType(d.OperationType),
		FullDocument: normalizeDocument(d.FullDocument),
		DocumentKey:  normalizeDocument(d.DocumentKey),
		Collection:   collection,
	}

	if d.ID != nil && d.ID.Data != "" {
		event.Cursor = &Cursor{Data: d.ID.Data}
	}

	if d.ClusterTime != nil {
		event.ClusterTime = &ClusterTime{High: d.ClusterTime.T, Low: d.ClusterTime.I}
	}

	return event
}

// normalizeDocument converts BSON specific values into plain Go values so
// the rest of the pipeline never imports the driver.
func normalizeDocument(doc bson.M) map[string]interface{} {
	if doc == nil {
		return nil
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Decimal128:
		return val.String()
	case primitive.Timestamp:
		return time.Unix(int64(val.T), 0).UTC()
	case int32:
		return int64(val)
	case bson.M:
		return normalizeDocument(val)
	case bson.D:
		return normalizeDocument(val.Map())
	case bson.A:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
