//go:build property
// +build property

package idcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/citymodel-pipeline/pkg/model"
)

func TestCacheProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("each external id is created once and shared", prop.ForAll(
		func(workers, keys, partitions, capacity int) bool {
			ctx := context.Background()
			c := New(model.KindObject, Config{Partitions: partitions, Capacity: capacity, FillFactor: 0.8}, nil, nil)

			var calls atomic.Int64
			create := func(context.Context) (int64, error) { return calls.Add(1), nil }

			results := make([][]int64, workers)
			var creators atomic.Int64
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					results[w] = make([]int64, keys)
					for k := 0; k < keys; k++ {
						id, created, err := c.GetOrCreate(ctx, fmt.Sprintf("gml_%d", k), create)
						if err != nil {
							return
						}
						if created {
							creators.Add(1)
						}
						results[w][k] = id
					}
				}(w)
			}
			wg.Wait()

			if calls.Load() != int64(keys) || creators.Load() != int64(keys) {
				return false
			}
			for w := 1; w < workers; w++ {
				for k := 0; k < keys; k++ {
					if results[w][k] != results[0][k] {
						return false
					}
				}
			}
			return c.Len() == keys
		},
		gen.IntRange(2, 50),
		gen.IntRange(1, 200),
		gen.IntRange(1, 8),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
