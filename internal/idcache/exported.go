package idcache

import (
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/citymodel-pipeline/pkg/model"
)

// ExportedSet is the run-wide set of internal ids written to any output.
// It outlives the per-tile caches so references that cross tile borders
// can be told apart from dangling ones at run end.
type ExportedSet struct {
	mu   sync.RWMutex
	sets map[model.IDKind]*roaring64.Bitmap
}

// NewExportedSet creates an empty set.
func NewExportedSet() *ExportedSet {
	return &ExportedSet{sets: map[model.IDKind]*roaring64.Bitmap{
		model.KindObject:   roaring64.New(),
		model.KindGeometry: roaring64.New(),
	}}
}

// Merge adds all ids of a worker-local bitmap.
func (s *ExportedSet) Merge(kind model.IDKind, ids *roaring64.Bitmap) {
	if ids == nil || ids.IsEmpty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[kind].Or(ids)
}

// Add adds one id.
func (s *ExportedSet) Add(kind model.IDKind, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[kind].Add(uint64(id))
}

// Contains reports whether id was exported.
func (s *ExportedSet) Contains(kind model.IDKind, id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets[kind].Contains(uint64(id))
}

// Len returns the number of exported ids of kind.
func (s *ExportedSet) Len(kind model.IDKind) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets[kind].GetCardinality()
}
