package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pixlake/changestream/internal/checkpoint"
)

var (
	LedgerBucket   = []byte("ledger")
	MetadataBucket = []byte("metadata")
)

// Storage is an embedded bbolt ledger. Expired entries are treated as absent
// and removed lazily.
type Storage struct {
	db  *bolt.DB
	now func() time.Time
}

type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{LedgerBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db, now: time.Now}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Get(_ context.Context, key string) (string, error) {
	var entry Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(LedgerBucket).Get([]byte(key))
		if data == nil {
			return checkpoint.ErrNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", err
	}

	if entry.expired(s.now()) {
		_ = s.deleteExpired(key)
		return "", checkpoint.ErrNotFound
	}

	return entry.Value, nil
}

func (s *Storage) Set(_ context.Context, key, value string, ttl time.Duration) error {
	entry := Entry{Key: key, Value: value}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl).UTC()
	}
	return s.PutEntry(&entry)
}

func (s *Storage) Del(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(LedgerBucket).Delete([]byte(key))
	})
}

// PutEntry stores entry as is, keeping its absolute expiry.
func (s *Storage) PutEntry(entry *Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return tx.Bucket(LedgerBucket).Put([]byte(entry.Key), data)
	})
}

// Entries returns every live entry.
func (s *Storage) Entries() ([]Entry, error) {
	now := s.now()
	entries := make([]Entry, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(LedgerBucket).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal entry %s: %w", k, err)
			}
			if !entry.expired(now) {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Replace swaps the whole ledger for entries in one transaction.
func (s *Storage) Replace(entries []Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(LedgerBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(LedgerBucket)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to marshal entry: %w", err)
			}
			if err := bucket.Put([]byte(entry.Key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) deleteExpired(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LedgerBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if entry.expired(s.now()) {
			return bucket.Delete([]byte(key))
		}
		return nil
	})
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
