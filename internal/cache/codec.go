package cache

import (
	"encoding/binary"
	"errors"
	"time"
)

const headerSize = 16

var errShortRecord = errors.New("cache: record too short")

// Layout: 8 bytes big endian storedAt || 8 bytes big endian expiresAt ||
// raw item. Times are Unix nanoseconds, a zero expiresAt never expires.
func packRecord(storedAt, expiresAt time.Time, item []byte) []byte {
	buf := make([]byte, headerSize+len(item))
	binary.BigEndian.PutUint64(buf[:8], uint64(storedAt.UnixNano()))
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[8:16], uint64(exp))
	copy(buf[headerSize:], item)
	return buf
}

func unpackRecord(b []byte) (*Entry, error) {
	if len(b) < headerSize {
		return nil, errShortRecord
	}
	entry := &Entry{
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[:8]))),
		Item:     append([]byte(nil), b[headerSize:]...),
	}
	if exp := int64(binary.BigEndian.Uint64(b[8:16])); exp != 0 {
		entry.ExpiresAt = time.Unix(0, exp)
	}
	return entry, nil
}
