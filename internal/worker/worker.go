// Package worker implements the per-object units of work of the export
// and import pipelines. Workers keep their counters locally and merge them
// into the shared Totals when the pool retires them.
package worker

import (
	"context"
	"sync"

	"github.com/citymodel-pipeline/internal/idcache"
	"github.com/citymodel-pipeline/pkg/model"
)

// RefRecorder stores forward references for the resolver pass.
type RefRecorder interface {
	Record(ctx context.Context, ref *model.ForwardReference) error
}

// Totals is the join point of worker-local results.
type Totals struct {
	mu        sync.Mutex
	counters  model.Counters
	processed int64
	warnings  int64
	deferred  int64
}

// NewTotals creates empty totals.
func NewTotals() *Totals {
	return &Totals{counters: model.NewCounters()}
}

func (t *Totals) merge(l *local) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.Merge(l.counters)
	t.processed += l.processed
	t.warnings += l.warnings
	t.deferred += l.deferred
}

// Counters returns a copy of the merged counters.
func (t *Totals) Counters() model.Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters.Clone()
}

// Processed returns the number of successfully processed items.
func (t *Totals) Processed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed
}

// Warnings returns the number of skipped items and other warnings.
func (t *Totals) Warnings() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warnings
}

// Deferred returns the number of recorded forward references.
func (t *Totals) Deferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deferred
}

// local is the unshared state of one worker.
type local struct {
	counters  model.Counters
	processed int64
	warnings  int64
	deferred  int64
}

func newLocal() *local {
	return &local{counters: model.NewCounters()}
}

func (l *local) count(f *model.Feature) {
	f.Walk(func(sub *model.Feature) {
		l.counters.AddObject(sub.Class, 1)
	})
	for t, n := range f.CountGeometries() {
		l.counters.AddGeometry(t, n)
	}
}

func cacheFor(kind model.IDKind, objects, geometries *idcache.Cache) *idcache.Cache {
	if kind == model.KindGeometry {
		return geometries
	}
	return objects
}
