package cache

import (
	"context"
	"strconv"
	"time"
)

// Key identifies a cached entry. Segment groups related entries (one
// memoized function, or parcel objects), ID is the serialized call
// arguments within that segment.
type Key struct {
	Segment string
	ID      string
}

// String encodes the key unambiguously: the segment is length prefixed so
// a separator inside it cannot collide with another segment and ID.
func (k Key) String() string {
	return strconv.Itoa(len(k.Segment)) + ":" + k.Segment + "|" + k.ID
}

// Entry is an immutable cached item.
type Entry struct {
	Item      []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the shared cache used by the memoizers and the object lookup.
// A miss is reported with ok == false, never as an error. Implementations
// must be safe for concurrent use; a Set on an existing key replaces it.
type Store interface {
	Start(ctx context.Context) error
	Get(ctx context.Context, key Key) (entry *Entry, ok bool, err error)
	Set(ctx context.Context, key Key, item []byte, ttl time.Duration) error
	Close() error
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
