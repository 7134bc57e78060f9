package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/errs"

	"github.com/pixlake/changestream/internal/cdc"
	"github.com/pixlake/changestream/internal/metrics"
)

const (
	keyPrefix       = "change-stream:resume-token:"
	backupKeyPrefix = "change-stream:resume-token:backup:"

	// BackupTTL bounds how long the previous checkpoint stays recoverable.
	BackupTTL = time.Hour
)

// Error is the class of checkpoint write failures.
var Error = errs.Class("checkpoint")

// ErrNotFound is returned by a Ledger when a key does not exist or expired.
var ErrNotFound = errors.New("key not found")

// Ledger is the key-value store checkpoints are persisted in. A zero ttl
// means the value never expires.
type Ledger interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Record is the persisted form of a checkpoint.
type Record struct {
	Token      *cdc.Cursor `json:"token"`
	Timestamp  time.Time   `json:"timestamp"`
	Collection string      `json:"collection"`
}

type Store struct {
	ledger  Ledger
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewStore(ledger Ledger, log zerolog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		ledger:  ledger,
		log:     log.With().Str("component", "checkpoint").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

func Key(collection string) string {
	return keyPrefix + collection
}

func BackupKey(collection string) string {
	return backupKeyPrefix + collection
}

// Save persists cursor as the latest checkpoint of collection, moving the
// previous checkpoint into the backup slot first.
func (s *Store) Save(ctx context.Context, collection string, cursor *cdc.Cursor) error {
	if cursor.IsZero() {
		return Error.New("refusing to save empty cursor for %s", collection)
	}

	current, err := s.ledger.Get(ctx, Key(collection))
	switch {
	case err == nil:
		if err := s.ledger.Set(ctx, BackupKey(collection), current, BackupTTL); err != nil {
			return Error.Wrap(err)
		}
	case errors.Is(err, ErrNotFound):
	default:
		return Error.Wrap(err)
	}

	data, err := json.Marshal(Record{
		Token:      cursor,
		Timestamp:  s.now().UTC(),
		Collection: collection,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	if err := s.ledger.Set(ctx, Key(collection), string(data), 0); err != nil {
		return Error.Wrap(err)
	}

	s.metrics.CheckpointSaved(collection)
	s.log.Debug().Str("collection", collection).Str("cursor", cursor.Data).Msg("checkpoint saved")

	return nil
}

// Load returns the last saved cursor of collection, or nil when there is
// none. A primary entry that cannot be read or decoded, or that belongs to a
// different collection, is replaced by the backup entry.
func (s *Store) Load(ctx context.Context, collection string) *cdc.Cursor {
	value, err := s.ledger.Get(ctx, Key(collection))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("collection", collection).Msg("checkpoint read failed, falling back to backup")
		return s.fallback(ctx, collection)
	}

	cursor, err := decode(value, collection)
	if err != nil {
		s.log.Warn().Err(err).Str("collection", collection).Msg("checkpoint corrupt, falling back to backup")
		return s.fallback(ctx, collection)
	}

	s.log.Info().
		Str("collection", collection).
		Str("cursor", cursor.Data).
		Msg("resuming from checkpoint")

	return cursor
}

func (s *Store) fallback(ctx context.Context, collection string) *cdc.Cursor {
	s.metrics.CheckpointFallback(collection)
	return s.LoadBackup(ctx, collection)
}

// LoadBackup reads the backup slot only. It never fails; any problem yields
// nil.
func (s *Store) LoadBackup(ctx context.Context, collection string) *cdc.Cursor {
	value, err := s.ledger.Get(ctx, BackupKey(collection))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Error().Err(err).Str("collection", collection).Msg("backup checkpoint read failed")
		}
		return nil
	}

	cursor, err := decode(value, collection)
	if err != nil {
		s.log.Error().Err(err).Str("collection", collection).Msg("backup checkpoint corrupt")
		return nil
	}

	s.log.Warn().
		Str("collection", collection).
		Str("cursor", cursor.Data).
		Msg("resuming from backup checkpoint")

	return cursor
}

// Inspect returns the raw primary and backup records, for status reporting.
func (s *Store) Inspect(ctx context.Context, collection string) (primary, backup *Record, err error) {
	primary, err = s.inspect(ctx, Key(collection))
	if err != nil {
		return nil, nil, err
	}
	backup, err = s.inspect(ctx, BackupKey(collection))
	if err != nil {
		return nil, nil, err
	}
	return primary, backup, nil
}

func (s *Store) inspect(ctx context.Context, key string) (*Record, error) {
	value, err := s.ledger.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, Error.Wrap(err)
	}
	return &rec, nil
}

// Cleanup removes both slots of collection. Failures are logged only.
func (s *Store) Cleanup(ctx context.Context, collection string) {
	for _, key := range []string{Key(collection), BackupKey(collection)} {
		if err := s.ledger.Del(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Error().Err(err).Str("key", key).Msg("failed to delete checkpoint")
		}
	}
	s.log.Info().Str("collection", collection).Msg("checkpoints removed")
}

func decode(value, collection string) (*cdc.Cursor, error) {
	var rec Record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, err
	}
	if rec.Token.IsZero() {
		return nil, errs.New("record has no token")
	}
	if rec.Collection != collection {
		return nil, errs.New("record belongs to collection %q", rec.Collection)
	}
	return rec.Token, nil
}
