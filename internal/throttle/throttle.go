// Package throttle maps a function over a slice with a bounded number of
// calls in flight.
package throttle

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidLimit = errors.New("throttle: limit must be at least 1")
	ErrNilMapper    = errors.New("throttle: nil mapper")
)

// Pair holds a mapped result together with the item it was produced from.
type Pair[In, Out any] struct {
	Item   In
	Result Out
}

// Map calls fn for every item, never running more than limit calls at once.
// When one call completes the next undispatched item starts immediately.
//
// Results are in input order. The first error fails the whole call: items
// not yet dispatched are never started and the context passed to calls
// already in flight is cancelled; their results are discarded.
func Map[In, Out any](ctx context.Context, items []In, limit int, fn func(context.Context, In) (Out, error)) ([]Out, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	if fn == nil {
		return nil, ErrNilMapper
	}

	out := make([]Out, len(items))
	if len(items) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		i, item := i, item
		if gctx.Err() != nil {
			break
		}
		// Go blocks until a slot frees up.
		g.Go(func() error {
			// A slot may free up because a call failed.
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := fn(gctx, item)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Pairs is Map with every result paired with its source item.
func Pairs[In, Out any](ctx context.Context, items []In, limit int, fn func(context.Context, In) (Out, error)) ([]Pair[In, Out], error) {
	results, err := Map(ctx, items, limit, fn)
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair[In, Out], len(items))
	for i := range items {
		pairs[i] = Pair[In, Out]{Item: items[i], Result: results[i]}
	}
	return pairs, nil
}
