package tickets

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// KeyedQueue runs work keyed by ticket id. Work submitted for a key that is
// already running, from any batch, joins the running call instead of racing it.
type KeyedQueue struct {
	flight singleflight.Group
	limit  int
}

func NewKeyedQueue(limit int) *KeyedQueue {
	if limit <= 0 {
		limit = 1
	}
	return &KeyedQueue{limit: limit}
}

// Batch is one round of submissions with at most limit calls in flight.
type Batch struct {
	q   *KeyedQueue
	g   *errgroup.Group
	ctx context.Context
}

// Batch starts a batch. The context passed to work is cancelled when any
// work returns an error.
func (q *KeyedQueue) Batch(ctx context.Context) *Batch {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.limit)
	return &Batch{q: q, g: g, ctx: gctx}
}

// Go schedules fn under key, blocking while the batch is at its limit.
// shared reports whether the result came from a call started elsewhere.
func (b *Batch) Go(key string, fn func(ctx context.Context) (any, error), done func(v any, err error, shared bool)) {
	b.g.Go(func() error {
		v, err, shared := b.q.flight.Do(key, func() (any, error) {
			return fn(b.ctx)
		})
		if done != nil {
			done(v, err, shared)
		}
		return b.ctx.Err()
	})
}

// Wait blocks until every scheduled call returned.
func (b *Batch) Wait() error {
	return b.g.Wait()
}
