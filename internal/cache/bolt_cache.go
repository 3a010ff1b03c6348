package cache

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
)

const defaultBucket = "parcelgate"

// BoltStore is a persistent cache backed by a single bbolt bucket.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, bucket: []byte(defaultBucket)}, nil
}

// Start creates the bucket if it does not exist yet.
func (s *BoltStore) Start(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}

func (s *BoltStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key.String())); v != nil {
			// v is only valid for the life of the transaction.
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}

	entry, err := unpackRecord(raw)
	if err != nil {
		return nil, false, err
	}
	if entry.expired(time.Now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

func (s *BoltStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	now := time.Now()
	buf := packRecord(now, expiry(now, ttl), value)
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key.String()), buf)
	})
}

// Clear drops every entry.
func (s *BoltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(s.bucket) == nil {
			return nil
		}
		return tx.DeleteBucket(s.bucket)
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
