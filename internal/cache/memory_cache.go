package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultCleanerInterval = time.Minute

type memoryItem struct {
	key   Key
	entry *Entry
	size  int
}

// MemoryStore is an in-memory LRU bounded by the total size of the stored
// items. Expired entries are dropped on read and by a periodic cleaner.
type MemoryStore struct {
	mu       sync.Mutex
	maxBytes int
	used     int
	items    map[Key]*list.Element
	lruList  *list.List

	cleanerInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

// NewMemoryStore creates an LRU holding at most maxBytes of item data.
// A cleanerInterval <= 0 selects the default of one minute.
func NewMemoryStore(maxBytes int, cleanerInterval time.Duration) *MemoryStore {
	if cleanerInterval <= 0 {
		cleanerInterval = defaultCleanerInterval
	}
	return &MemoryStore{
		maxBytes:        maxBytes,
		items:           make(map[Key]*list.Element),
		lruList:         list.New(),
		cleanerInterval: cleanerInterval,
		stop:            make(chan struct{}),
		now:             time.Now,
	}
}

// Start launches the expiry cleaner. It stops when Close is called or ctx
// is done.
func (c *MemoryStore) Start(ctx context.Context) error {
	go c.runCleaner(ctx)
	return nil
}

func (c *MemoryStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}

	item := elem.Value.(*memoryItem)
	if item.entry.expired(c.now()) {
		c.removeElement(elem)
		return nil, false, nil
	}

	c.lruList.MoveToFront(elem)
	return item.entry, true, nil
}

func (c *MemoryStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	now := c.now()
	buf := make([]byte, len(value))
	copy(buf, value)
	entry := &Entry{Item: buf, StoredAt: now, ExpiresAt: expiry(now, ttl)}
	size := len(key.Segment) + len(key.ID) + len(buf)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		item := elem.Value.(*memoryItem)
		c.used += size - item.size
		item.entry = entry
		item.size = size
		c.lruList.MoveToFront(elem)
	} else {
		elem := c.lruList.PushFront(&memoryItem{key: key, entry: entry, size: size})
		c.items[key] = elem
		c.used += size
	}

	// Never evict the entry that was just written.
	for c.maxBytes > 0 && c.used > c.maxBytes && c.lruList.Len() > 1 {
		c.removeElement(c.lruList.Back())
	}
	return nil
}

// Len returns the number of entries, including expired ones not yet cleaned.
func (c *MemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *MemoryStore) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryStore) removeElement(elem *list.Element) {
	item := elem.Value.(*memoryItem)
	delete(c.items, item.key)
	c.lruList.Remove(elem)
	c.used -= item.size
}

func (c *MemoryStore) runCleaner(ctx context.Context) {
	ticker := time.NewTicker(c.cleanerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.clean()
		}
	}
}

func (c *MemoryStore) clean() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.lruList.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryItem).entry.expired(now) {
			c.removeElement(elem)
		}
		elem = prev
	}
}
