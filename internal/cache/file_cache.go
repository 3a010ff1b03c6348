package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore implements a file-based cache.
// Structure: {cacheDir}/{segment}/{sha256(id)}.bin
type FileStore struct {
	mu       sync.RWMutex
	cacheDir string
}

func NewFileStore(cacheDir string) (*FileStore, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileStore{
		cacheDir: cacheDir,
	}, nil
}

func (c *FileStore) Start(ctx context.Context) error {
	return nil
}

// buildFilePath builds file path from the cache key. IDs are hashed because
// they are arbitrary serialized arguments.
func (c *FileStore) buildFilePath(key Key) string {
	sum := sha256.Sum256([]byte(key.ID))
	return filepath.Join(c.cacheDir, url.PathEscape(key.Segment), hex.EncodeToString(sum[:])+".bin")
}

func (c *FileStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cache file: %w", err)
	}

	entry, err := unpackRecord(data)
	if err != nil {
		return nil, false, err
	}
	if entry.expired(time.Now()) {
		return nil, false, nil
	}
	return entry, true, nil
}

func (c *FileStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create segment directory: %w", err)
	}

	now := time.Now()
	data := packRecord(now, expiry(now, ttl), value)

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Clear removes every cached file. It runs on startup when the store is
// configured to flush.
func (c *FileStore) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return err
	}

	return os.MkdirAll(c.cacheDir, 0755)
}

func (c *FileStore) Close() error {
	return nil
}
