package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Options selects and configures a Store backend.
type Options struct {
	Type            string
	MemoryBytes     int
	CleanerInterval time.Duration
	FileDir         string
	BoltPath        string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	// FlushOnStart empties persistent backends (file, bolt) when they are
	// created.
	FlushOnStart bool
}

type clearer interface {
	Clear() error
}

// New creates a cache instance based on the cache type. The caller owns the
// store's lifecycle: Start before use, Close on shutdown.
func New(opts Options, log *zap.Logger) (Store, error) {
	store, err := newStore(opts, log)
	if err != nil || !opts.FlushOnStart {
		return store, err
	}
	if c, ok := store.(clearer); ok {
		log.Info("Flushing cache", zap.String("type", opts.Type))
		if err := c.Clear(); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to flush cache: %w", err)
		}
	}
	return store, nil
}

func newStore(opts Options, log *zap.Logger) (Store, error) {
	switch opts.Type {
	case "memory":
		log.Info("Using memory cache", zap.Int("max_bytes", opts.MemoryBytes))
		return NewMemoryStore(opts.MemoryBytes, opts.CleanerInterval), nil
	case "file":
		log.Info("Using file cache", zap.String("cache_dir", opts.FileDir))
		return NewFileStore(opts.FileDir)
	case "bolt":
		log.Info("Using bolt cache", zap.String("path", opts.BoltPath))
		if err := os.MkdirAll(filepath.Dir(opts.BoltPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create bolt directory: %w", err)
		}
		return OpenBoltStore(opts.BoltPath)
	case "redis":
		log.Info("Using redis cache", zap.String("addr", opts.RedisAddr), zap.Int("db", opts.RedisDB))
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		return NewRedisStore(RedisStoreOpts{
			Client:       client,
			ClientCloser: client,
			Logger:       log.Named("redis"),
		})
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, file, bolt, redis, disabled)", opts.Type)
	}
}
