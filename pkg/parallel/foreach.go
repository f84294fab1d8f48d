package parallel

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// ForEach runs fn for every item with at most maxGoroutines in flight.
// All items are attempted; the returned error joins every failure.
func ForEach[T any](ctx context.Context, items []T, maxGoroutines int, fn func(ctx context.Context, item T) error) error {
	if len(items) == 0 {
		return nil
	}
	if maxGoroutines <= 0 || maxGoroutines > len(items) {
		maxGoroutines = len(items)
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(maxGoroutines)
	for _, item := range items {
		p.Go(func(ctx context.Context) error {
			return fn(ctx, item)
		})
	}
	return p.Wait()
}
