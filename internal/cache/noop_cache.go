package cache

import (
	"context"
	"time"
)

// NoopStore never holds anything; every lookup is a miss.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Start(ctx context.Context) error {
	return nil
}

func (s *NoopStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	return nil, false, nil
}

func (s *NoopStore) Set(ctx context.Context, key Key, item []byte, ttl time.Duration) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
