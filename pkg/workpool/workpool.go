// Package workpool runs bounded fan-out for per-entity chain reads.
package workpool

import (
	"context"
	"errors"

	"github.com/alitto/pond/v2"
)

// DefaultConcurrency is used when a caller passes a non-positive limit.
const DefaultConcurrency = 10

// Run calls fn for every index in [0, n) with at most concurrency calls in
// flight. fn owns its error handling: a failing index never stops its
// siblings. Indexes not yet started when ctx is canceled are skipped, and the
// context error is returned.
func Run(ctx context.Context, n, concurrency int, fn func(ctx context.Context, i int)) error {
	if n <= 0 {
		return ctx.Err()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > n {
		concurrency = n
	}

	pool := pond.NewPool(concurrency)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := 0; i < n; i++ {
		idx := i
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			fn(groupCtx, idx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	return ctx.Err()
}
