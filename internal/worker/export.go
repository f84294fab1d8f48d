package worker

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/citymodel-pipeline/internal/format"
	"github.com/citymodel-pipeline/internal/idcache"
	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/internal/transform"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/parallel"
	"github.com/citymodel-pipeline/pkg/utils"
)

// ExportDeps are the collaborators shared by all export workers of a tile.
type ExportDeps struct {
	Store      store.ObjectFetcher
	Writer     format.FeatureWriter
	Transform  *transform.Chain
	Objects    *idcache.Cache
	Geometries *idcache.Cache
	Refs       RefRecorder
	// Exported is the run-wide set of written ids. Optional.
	Exported *idcache.ExportedSet
	Totals   *Totals
	Logger   utils.Logger
}

// ExportFactory returns the pool factory creating export workers.
func ExportFactory(deps ExportDeps) parallel.WorkerFactory[model.WorkItem] {
	if deps.Transform == nil {
		deps.Transform = transform.Identity()
	}
	return func(info parallel.WorkerInfo) (parallel.Worker[model.WorkItem], error) {
		return &ExportWorker{
			deps:       deps,
			logger:     utils.OrNull(deps.Logger).WithField("worker", fmt.Sprintf("%s-%d", info.Pool, info.ID)),
			local:      newLocal(),
			objects:    roaring64.New(),
			geometries: roaring64.New(),
		}, nil
	}
}

// ExportWorker rehydrates one top-level feature per item, transforms it and
// hands it to the writer.
type ExportWorker struct {
	deps   ExportDeps
	logger utils.Logger
	local  *local

	objects    *roaring64.Bitmap
	geometries *roaring64.Bitmap
}

// Process implements parallel.Worker.
func (w *ExportWorker) Process(ctx context.Context, item model.WorkItem) {
	f, err := w.deps.Store.FetchFeature(ctx, item.ID)
	if err != nil {
		w.warn("Skipping object %d: %v", item.ID, err)
		return
	}

	w.deps.Transform.FilterLOD(f)

	tree := treeIDs(f)
	pending := w.classify(ctx, f, tree, item.Deferred)

	w.deps.Transform.Apply(f)
	f.Walk(func(sub *model.Feature) {
		for _, r := range sub.References {
			if r.Resolved && r.Href == "" {
				r.Href = "#" + r.Target
			}
		}
	})

	if err := w.deps.Writer.Write(ctx, f); err != nil {
		w.warn("Failed to write %s: %v", f.GMLID, err)
		return
	}
	w.register(ctx, tree)

	for i := range pending {
		if err := w.deps.Refs.Record(ctx, &pending[i]); err != nil {
			w.warn("Failed to defer reference %s -> %s: %v", pending[i].SourceGMLID, pending[i].Target, err)
			continue
		}
		w.local.deferred++
	}

	w.local.count(f)
	w.local.processed++
}

// treeIDSet holds the internal ids of one feature tree.
type treeIDSet struct {
	objects    map[string]int64
	geometries map[string]int64
	objectIDs  []int64
	geomIDs    []int64
}

func (t treeIDSet) lookup(kind model.IDKind, target string) (int64, bool) {
	m := t.objects
	if kind == model.KindGeometry {
		m = t.geometries
	}
	id, ok := m[target]
	return id, ok
}

// treeIDs collects the ids of f before any transformation renames it.
func treeIDs(f *model.Feature) treeIDSet {
	t := treeIDSet{objects: make(map[string]int64), geometries: make(map[string]int64)}
	f.Walk(func(sub *model.Feature) {
		if sub.ID > 0 {
			t.objectIDs = append(t.objectIDs, sub.ID)
			if sub.GMLID != "" {
				t.objects[sub.GMLID] = sub.ID
			}
		}
		for _, g := range sub.Geometries {
			if g.IsLink() || g.ID <= 0 {
				continue
			}
			t.geomIDs = append(t.geomIDs, g.ID)
			if g.GMLID != "" {
				t.geometries[g.GMLID] = g.ID
			}
		}
	})
	return t
}

// register announces the ids of a written tree. Trees that failed to write
// are never announced, so references to them stay unresolved.
func (w *ExportWorker) register(ctx context.Context, tree treeIDSet) {
	for _, id := range tree.objectIDs {
		w.objects.Add(uint64(id))
	}
	for _, id := range tree.geomIDs {
		w.geometries.Add(uint64(id))
	}
	for ext, id := range tree.objects {
		if _, _, err := w.deps.Objects.Put(ctx, ext, id); err != nil {
			w.warn("Failed to register %s: %v", ext, err)
		}
	}
	for ext, id := range tree.geometries {
		if _, _, err := w.deps.Geometries.Put(ctx, ext, id); err != nil {
			w.warn("Failed to register %s: %v", ext, err)
		}
	}
}

// classify resolves references whose target is inside the tree or already
// written and returns forward references for the rest. Deferred items link
// only in the resolver pass.
func (w *ExportWorker) classify(ctx context.Context, f *model.Feature, tree treeIDSet, deferred bool) []model.ForwardReference {
	var pending []model.ForwardReference
	lookup := func(kind model.IDKind, target string) (int64, bool) {
		if deferred {
			return 0, false
		}
		if id, ok := tree.lookup(kind, target); ok {
			return id, true
		}
		id, ok, err := cacheFor(kind, w.deps.Objects, w.deps.Geometries).Lookup(ctx, target)
		if err != nil {
			w.logger.Warn("Identifier lookup of %s failed: %v", target, err)
			return 0, false
		}
		return id, ok
	}

	f.Walk(func(sub *model.Feature) {
		for _, r := range sub.References {
			if r.Resolved || r.Target == "" {
				continue
			}
			if id, ok := lookup(r.Kind, r.Target); ok {
				r.Resolved = true
				r.TargetID = id
				continue
			}
			pending = append(pending, model.ForwardReference{
				SourceID:    f.ID,
				SourceGMLID: sub.GMLID,
				RootGMLID:   f.GMLID,
				Target:      r.Target,
				TargetKind:  r.Kind,
				Property:    r.Property,
			})
		}
		for _, g := range sub.Geometries {
			if !g.IsLink() {
				continue
			}
			if _, ok := lookup(model.KindGeometry, g.Href); ok {
				continue
			}
			pending = append(pending, model.ForwardReference{
				SourceID:    f.ID,
				SourceGMLID: sub.GMLID,
				RootGMLID:   f.GMLID,
				Target:      g.Href,
				TargetKind:  model.KindGeometry,
				Property:    g.Property,
			})
		}
	})
	return pending
}

func (w *ExportWorker) warn(msg string, args ...interface{}) {
	w.local.warnings++
	w.logger.Warn(msg, args...)
}

// Close implements parallel.Worker. It merges the worker's counters and
// exported ids.
func (w *ExportWorker) Close() {
	w.deps.Totals.merge(w.local)
	if w.deps.Exported != nil {
		w.deps.Exported.Merge(model.KindObject, w.objects)
		w.deps.Exported.Merge(model.KindGeometry, w.geometries)
	}
}
