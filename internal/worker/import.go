package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/citymodel-pipeline/internal/idcache"
	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/parallel"
	"github.com/citymodel-pipeline/pkg/utils"
)

// errDuplicate marks an external id that was already imported in this run.
var errDuplicate = errors.New("duplicate external id")

// ImportDeps are the collaborators shared by all import workers.
type ImportDeps struct {
	Store      store.Persister
	Registry   *schema.Registry
	Objects    *idcache.Cache
	Geometries *idcache.Cache
	Refs       RefRecorder
	// Lineage overrides the lineage of imported features when set.
	Lineage string
	Totals  *Totals
	Logger  utils.Logger
}

// ImportFactory returns the pool factory creating import workers.
func ImportFactory(deps ImportDeps) parallel.WorkerFactory[model.WorkItem] {
	if deps.Registry == nil {
		deps.Registry = schema.Default()
	}
	return func(info parallel.WorkerInfo) (parallel.Worker[model.WorkItem], error) {
		return &ImportWorker{
			deps:   deps,
			logger: utils.OrNull(deps.Logger).WithField("worker", fmt.Sprintf("%s-%d", info.Pool, info.ID)),
			local:  newLocal(),
		}, nil
	}
}

// ImportWorker assigns internal ids to one parsed feature tree and persists
// it.
type ImportWorker struct {
	deps   ImportDeps
	logger utils.Logger
	local  *local
}

// Process implements parallel.Worker.
func (w *ImportWorker) Process(ctx context.Context, item model.WorkItem) {
	f := item.Feature
	if f == nil {
		w.warn("Skipping empty work item")
		return
	}

	if err := w.validate(f); err != nil {
		w.warn("Skipping %s: %v", f.GMLID, err)
		return
	}
	created, err := w.assignIDs(ctx, f)
	if err != nil {
		w.rollback(ctx, created)
		w.warn("Skipping %s: %v", f.GMLID, err)
		return
	}
	if w.deps.Lineage != "" {
		f.Walk(func(sub *model.Feature) { sub.Lineage = w.deps.Lineage })
	}

	pending := w.resolve(ctx, f, item.Deferred)

	if err := w.deps.Store.PersistFeature(ctx, f); err != nil {
		w.rollback(ctx, created)
		w.warn("Failed to persist %s: %v", f.GMLID, err)
		return
	}

	for _, r := range pending {
		ref := model.ForwardReference{
			SourceID:    r.ref.ID,
			SourceGMLID: r.owner,
			RootGMLID:   f.GMLID,
			Target:      r.ref.Target,
			TargetKind:  r.ref.Kind,
			Property:    r.ref.Property,
		}
		if err := w.deps.Refs.Record(ctx, &ref); err != nil {
			w.warn("Failed to defer reference %s -> %s: %v", r.owner, r.ref.Target, err)
			continue
		}
		w.local.deferred++
	}

	w.local.count(f)
	w.local.processed++
}

// validate maps class names of the tree to class ids.
func (w *ImportWorker) validate(f *model.Feature) error {
	var err error
	f.Walk(func(sub *model.Feature) {
		if err != nil {
			return
		}
		class, ok := w.deps.Registry.ByName(sub.Class)
		if !ok || class.Abstract {
			err = fmt.Errorf("unsupported type %q of %s", sub.Class, sub.GMLID)
			return
		}
		sub.ClassID = class.ID
		sub.Class = class.Name
	})
	return err
}

// cachedID is an external id a tree added to one of the caches.
type cachedID struct {
	cache *idcache.Cache
	gmlid string
	id    int64
}

// assignIDs registers every external id of the tree and returns the cache
// entries it created. A tree containing an external id that was already
// imported is rejected as a duplicate.
func (w *ImportWorker) assignIDs(ctx context.Context, f *model.Feature) ([]cachedID, error) {
	var created []cachedID
	var err error
	f.Walk(func(sub *model.Feature) {
		if err != nil {
			return
		}
		if sub.ID, err = w.assign(ctx, w.deps.Objects, sub.GMLID, model.KindObject, &created); err != nil {
			return
		}
		for _, g := range sub.Geometries {
			gmlid := g.GMLID
			if g.IsLink() {
				gmlid = ""
			}
			if g.ID, err = w.assign(ctx, w.deps.Geometries, gmlid, model.KindGeometry, &created); err != nil {
				return
			}
		}
	})
	return created, err
}

func (w *ImportWorker) assign(ctx context.Context, cache *idcache.Cache, gmlid string, kind model.IDKind,
	created *[]cachedID) (int64, error) {
	alloc := func(ctx context.Context) (int64, error) {
		return w.deps.Store.AllocateID(ctx, kind)
	}
	if gmlid == "" {
		return alloc(ctx)
	}
	id, isNew, err := cache.GetOrCreate(ctx, gmlid, alloc)
	if err != nil {
		return 0, err
	}
	if !isNew {
		return 0, fmt.Errorf("%w %s", errDuplicate, gmlid)
	}
	*created = append(*created, cachedID{cache: cache, gmlid: gmlid, id: id})
	return id, nil
}

// rollback forgets the external ids of a tree that was not persisted, so
// later references to them stay unresolved.
func (w *ImportWorker) rollback(ctx context.Context, created []cachedID) {
	for _, c := range created {
		if err := c.cache.Remove(context.WithoutCancel(ctx), c.gmlid, c.id); err != nil {
			w.logger.Warn("Failed to forget %s: %v", c.gmlid, err)
		}
	}
}

type pendingRef struct {
	owner string
	ref   *model.Reference
}

func (w *ImportWorker) resolve(ctx context.Context, f *model.Feature, deferred bool) []pendingRef {
	var pending []pendingRef
	f.Walk(func(sub *model.Feature) {
		for _, r := range sub.References {
			if r.Target == "" {
				continue
			}
			if !deferred {
				id, ok, err := cacheFor(r.Kind, w.deps.Objects, w.deps.Geometries).Lookup(ctx, r.Target)
				if err != nil {
					w.logger.Warn("Identifier lookup of %s failed: %v", r.Target, err)
				} else if ok {
					r.TargetID = id
					r.Resolved = true
					continue
				}
			}
			r.TargetID = 0
			r.Resolved = false
			pending = append(pending, pendingRef{owner: sub.GMLID, ref: r})
		}
	})
	return pending
}

func (w *ImportWorker) warn(msg string, args ...interface{}) {
	w.local.warnings++
	w.logger.Warn(msg, args...)
}

// Close implements parallel.Worker.
func (w *ImportWorker) Close() {
	w.deps.Totals.merge(w.local)
}
