package memo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parcelgate/internal/cache"
)

// countingStore records every call made to the wrapped store.
type countingStore struct {
	cache.Store
	gets   atomic.Int32
	sets   atomic.Int32
	getErr error
	setErr error

	mu      sync.Mutex
	lastTTL time.Duration
	keys    []cache.Key
}

func newCountingStore() *countingStore {
	return &countingStore{Store: cache.NewMemoryStore(1<<20, 0)}
}

func (s *countingStore) Get(ctx context.Context, key cache.Key) (*cache.Entry, bool, error) {
	s.gets.Add(1)
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	return s.Store.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key cache.Key, item []byte, ttl time.Duration) error {
	s.sets.Add(1)
	s.mu.Lock()
	s.lastTTL = ttl
	s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	return s.Store.Set(ctx, key, item, ttl)
}

var squareCalls atomic.Int32

func lookupSquare(ctx context.Context, args ...any) (int, error) {
	squareCalls.Add(1)
	n := args[0].(int)
	return n * n, nil
}

func TestWrap_HitAfterMiss(t *testing.T) {
	store := newCountingStore()
	var calls atomic.Int32
	fn := func(ctx context.Context, args ...any) ([]string, error) {
		calls.Add(1)
		return []string{"101", "102"}, nil
	}

	cached, err := Wrap(fn, Options{Cache: store, Segment: "findObjects"})
	require.NoError(t, err)

	first, err := cached(context.Background(), -33.8, 151.2, 50.0)
	require.NoError(t, err)
	second, err := cached(context.Background(), -33.8, 151.2, 50.0)
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, first, second)
	assert.EqualValues(t, 2, store.gets.Load())
	assert.EqualValues(t, 1, store.sets.Load())
	assert.Equal(t, cache.Key{Segment: "findObjects", ID: "-33.8/151.2/50"}, store.keys[0])
}

func TestWrap_DifferentArgumentsMiss(t *testing.T) {
	store := newCountingStore()
	var calls atomic.Int32
	fn := func(ctx context.Context, args ...any) (string, error) {
		calls.Add(1)
		return "ok", nil
	}

	cached, err := Wrap(fn, Options{Cache: store, Segment: "s"})
	require.NoError(t, err)

	_, err = cached(context.Background(), 1)
	require.NoError(t, err)
	_, err = cached(context.Background(), "1")
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "1", store.keys[0].ID)
	assert.Equal(t, `"1"`, store.keys[1].ID)
}

func TestWrap_DefaultSegmentIsFunctionName(t *testing.T) {
	store := newCountingStore()
	squareCalls.Store(0)

	cached, err := Wrap(lookupSquare, Options{Cache: store})
	require.NoError(t, err)

	v, err := cached(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 49, v)
	v, err = cached(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 49, v)

	assert.EqualValues(t, 1, squareCalls.Load())
	assert.Equal(t, "lookupSquare", store.keys[0].Segment)
}

func TestWrap_AnonymousFunctionUsesFallbackSegment(t *testing.T) {
	store := newCountingStore()
	cached, err := Wrap(func(ctx context.Context, args ...any) (bool, error) {
		return true, nil
	}, Options{Cache: store})
	require.NoError(t, err)

	_, err = cached(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FallbackSegment, store.keys[0].Segment)
	assert.Equal(t, "", store.keys[0].ID)
}

func TestWrap_MakeKeyAndTTL(t *testing.T) {
	store := newCountingStore()
	fn := func(ctx context.Context, args ...any) (string, error) {
		return "parcel " + args[0].(string), nil
	}

	cached, err := Wrap(fn, Options{
		Cache:   store,
		Segment: "object",
		MakeKey: func(args ...any) (string, error) { return args[0].(string), nil },
		TTL:     5 * time.Minute,
	})
	require.NoError(t, err)

	_, err = cached(context.Background(), "101")
	require.NoError(t, err)
	assert.Equal(t, cache.Key{Segment: "object", ID: "101"}, store.keys[0])
	assert.Equal(t, 5*time.Minute, store.lastTTL)
}

func TestWrap_DefaultTTL(t *testing.T) {
	store := newCountingStore()
	cached, err := Wrap(lookupSquare, Options{Cache: store})
	require.NoError(t, err)

	_, err = cached(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, store.lastTTL)
}

func TestWrap_FunctionErrorIsNotCached(t *testing.T) {
	store := newCountingStore()
	boom := errors.New("upstream 503")
	var calls atomic.Int32
	fn := func(ctx context.Context, args ...any) (int, error) {
		calls.Add(1)
		return 0, boom
	}

	cached, err := Wrap(fn, Options{Cache: store, Segment: "s"})
	require.NoError(t, err)

	_, err = cached(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
	_, err = cached(context.Background(), 1)
	assert.ErrorIs(t, err, boom)

	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 0, store.sets.Load())
}

func TestWrap_StoreErrorsPropagate(t *testing.T) {
	getErr := errors.New("redis get: connection refused")
	store := newCountingStore()
	store.getErr = getErr
	var calls atomic.Int32
	fn := func(ctx context.Context, args ...any) (int, error) {
		calls.Add(1)
		return 1, nil
	}

	cached, err := Wrap(fn, Options{Cache: store, Segment: "s"})
	require.NoError(t, err)
	_, err = cached(context.Background(), 1)
	assert.ErrorIs(t, err, getErr)
	assert.EqualValues(t, 0, calls.Load())

	setErr := errors.New("disk full")
	store.getErr = nil
	store.setErr = setErr
	_, err = cached(context.Background(), 1)
	assert.ErrorIs(t, err, setErr)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWrap_CorruptEntry(t *testing.T) {
	store := newCountingStore()
	require.NoError(t, store.Store.Set(context.Background(), cache.Key{Segment: "s", ID: "1"}, []byte("{"), time.Hour))

	cached, err := Wrap(lookupSquare, Options{Cache: store, Segment: "s"})
	require.NoError(t, err)
	_, err = cached(context.Background(), 1)
	assert.Error(t, err)
}

func TestWrap_InvalidOptions(t *testing.T) {
	_, err := Wrap[int](nil, Options{Cache: newCountingStore()})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = Wrap(lookupSquare, Options{})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = Wrap(lookupSquare, Options{Cache: newCountingStore(), TTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestWrap_UnencodableArgument(t *testing.T) {
	cached, err := Wrap(lookupSquare, Options{Cache: newCountingStore()})
	require.NoError(t, err)
	_, err = cached(context.Background(), make(chan int))
	assert.Error(t, err)
}

func TestWrap_ConcurrentMissesWithoutCoalescing(t *testing.T) {
	store := newCountingStore()
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context, args ...any) (int, error) {
		calls.Add(1)
		<-release
		return 1, nil
	}

	cached, err := Wrap(fn, Options{Cache: store, Segment: "s"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cached(context.Background(), "same")
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 4 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
}

func TestWrap_CoalescedMisses(t *testing.T) {
	store := newCountingStore()
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context, args ...any) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	cached, err := Wrap(fn, Options{Cache: store, Segment: "s", Coalesce: true})
	require.NoError(t, err)

	results := make([]int, 4)
	var wg sync.WaitGroup
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = cached(context.Background(), "same")
		}()
	}
	// Wait until every caller has done its lookup and joined the flight.
	require.Eventually(t, func() bool { return store.gets.Load() == 4 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, store.sets.Load())
	assert.Equal(t, []int{42, 42, 42, 42}, results)
}

func TestWrap_CoalescedLeaderCancelled(t *testing.T) {
	store := newCountingStore()
	var calls atomic.Int32
	release := make(chan struct{})
	fnErr := make(chan error, 1)
	fn := func(ctx context.Context, args ...any) (int, error) {
		calls.Add(1)
		<-release
		fnErr <- ctx.Err()
		return 42, nil
	}

	cached, err := Wrap(fn, Options{Cache: store, Segment: "s", Coalesce: true})
	require.NoError(t, err)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := cached(leaderCtx, "same")
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		v   int
		err error
	}
	follower := make(chan result, 1)
	go func() {
		v, err := cached(context.Background(), "same")
		follower <- result{v, err}
	}()
	require.Eventually(t, func() bool { return store.gets.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, 42, got.v)
	assert.NoError(t, <-fnErr)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, store.sets.Load())

	// The detached result was stored for later callers.
	v, err := cached(context.Background(), "same")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDefaultKey(t *testing.T) {
	key, err := DefaultKey(-33.8, 151.2, 50, "x", nil, true)
	require.NoError(t, err)
	assert.Equal(t, `-33.8/151.2/50/"x"/null/true`, key)

	key, err = DefaultKey()
	require.NoError(t, err)
	assert.Equal(t, "", key)
}
