package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// Prefix is prepended to every key. Default is "parcelgate:".
	Prefix string

	// ClientTimeout bounds each read and write. Default is one second.
	ClientTimeout time.Duration

	// A nil Logger disables logging.
	Logger *zap.Logger
}

func (opts *RedisStoreOpts) init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.Prefix == "" {
		opts.Prefix = "parcelgate:"
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisStore shares the cache between gateway instances. Expiry is
// enforced by redis itself.
type RedisStore struct {
	opts RedisStoreOpts
}

func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RedisStore{opts: opts}, nil
}

// Start checks that the server is reachable.
func (r *RedisStore) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisStore) redisKey(key Key) string {
	return r.opts.Prefix + key.String()
}

func (r *RedisStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()

	b, err := r.opts.Client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		r.opts.Logger.Warn("redis get", zap.String("key", key.String()), zap.Error(err))
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	entry, err := unpackRecord(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.String("key", key.String()), zap.Error(err))
		return nil, false, err
	}
	return entry, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()

	now := time.Now()
	data := packRecord(now, expiry(now, ttl), value)
	// A zero expiration keeps the key until it is overwritten.
	if err := r.opts.Client.Set(ctx, r.redisKey(key), data, ttl).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.String("key", key.String()), zap.Error(err))
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
