// Package memo caches the results of context-aware functions in a
// cache.Store.
//
// A wrapped function looks its arguments up in the store once per call. On a
// hit the stored result is decoded and returned without calling the
// function; on a miss the function runs once and its result is written back
// with the configured TTL. Results are stored as JSON, so T must round-trip
// through encoding/json.
package memo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"parcelgate/internal/cache"
	"parcelgate/internal/metrics"
)

const (
	DefaultTTL = time.Hour

	// FallbackSegment names entries of functions without a usable name,
	// such as closures.
	FallbackSegment = "anonymous"
)

var ErrInvalidOptions = errors.New("memo: invalid options")

// Func is the signature memo wraps.
type Func[T any] func(ctx context.Context, args ...any) (T, error)

// KeyFunc derives the cache ID from a call's arguments.
type KeyFunc func(args ...any) (string, error)

type Options struct {
	// Cache is required.
	Cache cache.Store

	// Segment defaults to the wrapped function's name.
	Segment string

	// MakeKey defaults to DefaultKey.
	MakeKey KeyFunc

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// Coalesce makes concurrent misses on the same key share one call of
	// the wrapped function. Only the leading call writes the result. The
	// shared call ignores cancellation of the caller that started it, so
	// fn must bound its own work (the cadastre client's request timeout).
	Coalesce bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type memoizer[T any] struct {
	fn       Func[T]
	cache    cache.Store
	segment  string
	makeKey  KeyFunc
	ttl      time.Duration
	coalesce bool
	group    singleflight.Group
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Wrap returns fn with its results cached according to opts.
func Wrap[T any](fn Func[T], opts Options) (Func[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil function", ErrInvalidOptions)
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("%w: nil cache", ErrInvalidOptions)
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("%w: negative ttl %s", ErrInvalidOptions, opts.TTL)
	}

	m := &memoizer[T]{
		fn:       fn,
		cache:    opts.Cache,
		segment:  opts.Segment,
		makeKey:  opts.MakeKey,
		ttl:      opts.TTL,
		coalesce: opts.Coalesce,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if m.segment == "" {
		m.segment = funcName(fn)
	}
	if m.makeKey == nil {
		m.makeKey = DefaultKey
	}
	if m.ttl == 0 {
		m.ttl = DefaultTTL
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m.call, nil
}

func (m *memoizer[T]) call(ctx context.Context, args ...any) (T, error) {
	var zero T

	id, err := m.makeKey(args...)
	if err != nil {
		return zero, fmt.Errorf("memo: derive %s key: %w", m.segment, err)
	}
	key := cache.Key{Segment: m.segment, ID: id}

	entry, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("memo: cache get %s: %w", key, err)
	}
	m.metrics.CacheLookup(m.segment, ok)

	if ok {
		m.logger.Debug("HIT", zap.String("segment", m.segment), zap.String("id", id))
		var item T
		if err := json.Unmarshal(entry.Item, &item); err != nil {
			return zero, fmt.Errorf("memo: decode %s: %w", key, err)
		}
		return item, nil
	}

	m.logger.Debug("MISS", zap.String("segment", m.segment), zap.String("id", id))
	if !m.coalesce {
		return m.fill(ctx, key, args)
	}

	// The shared call outlives any one caller, so it runs detached from the
	// leader's cancellation; each caller still stops waiting on its own ctx.
	ch := m.group.DoChan(key.String(), func() (any, error) {
		return m.fill(context.WithoutCancel(ctx), key, args)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		if res.Shared {
			m.logger.Debug("coalesced miss", zap.String("segment", m.segment), zap.String("id", id))
		}
		item, _ := res.Val.(T)
		return item, nil
	}
}

// fill calls the wrapped function and stores its result. Errors from fn are
// returned unchanged.
func (m *memoizer[T]) fill(ctx context.Context, key cache.Key, args []any) (T, error) {
	var zero T

	item, err := m.fn(ctx, args...)
	if err != nil {
		return zero, err
	}

	b, err := json.Marshal(item)
	if err != nil {
		return zero, fmt.Errorf("memo: encode %s: %w", key, err)
	}
	if err := m.cache.Set(ctx, key, b, m.ttl); err != nil {
		return zero, fmt.Errorf("memo: cache set %s: %w", key, err)
	}
	return item, nil
}

// DefaultKey joins the JSON encoding of each argument with "/". It is
// order and type sensitive: 1 and "1" produce different keys.
func DefaultKey(args ...any) (string, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		parts[i] = string(b)
	}
	return strings.Join(parts, "/"), nil
}

func funcName(fn any) string {
	rf := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if rf == nil {
		return FallbackSegment
	}

	// e.g. "parcelgate/internal/cadastre.(*Client).Find-fm" or "main.main.func1"
	name := strings.TrimSuffix(rf.Name(), "-fm")
	name = strings.TrimSuffix(name, "[...]")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || isClosureName(name) {
		return FallbackSegment
	}
	return name
}

func isClosureName(name string) bool {
	// Nested closures end in a bare counter, e.g. "main.main.func1.2".
	rest := strings.TrimPrefix(name, "func")
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
