// Package xlink resolves the forward references deferred by the main pass
// of a tile once that pass has drained.
package xlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/citymodel-pipeline/internal/idcache"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/parallel"
	"github.com/citymodel-pipeline/pkg/utils"
)

// DefaultPageSize is the number of forward references read per page.
const DefaultPageSize = 1000

// RefSource is the table forward references were recorded into.
type RefSource interface {
	Page(ctx context.Context, afterID int64, limit int) ([]model.ForwardReference, error)
	MarkResolved(ctx context.Context, id int64) error
}

// Applier rewrites one reference once its target id is known.
type Applier interface {
	Apply(ctx context.Context, ref model.ForwardReference, targetID int64) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, ref model.ForwardReference, targetID int64) error

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, ref model.ForwardReference, targetID int64) error {
	return f(ctx, ref, targetID)
}

// Config configures a Resolver.
type Config struct {
	Pool     parallel.PoolConfig
	PageSize int
	// Source tags the pool's events.
	Source string
}

// Stats summarizes one resolver pass.
type Stats struct {
	Read       int64
	Resolved   int64
	Unresolved int64
	Failed     int64
}

// Result is the outcome of a resolver pass. Pending holds the references
// whose target is unknown to this tile, in no particular order.
type Result struct {
	Stats
	Pending []model.ForwardReference
	Aborted bool
}

// Resolver is the second pass over a tile's forward references.
type Resolver struct {
	refs       RefSource
	objects    *idcache.Cache
	geometries *idcache.Cache
	applier    Applier
	cfg        Config
	logger     utils.Logger

	mu      sync.Mutex
	stats   Stats
	pending []model.ForwardReference
}

// New creates a Resolver.
func New(refs RefSource, objects, geometries *idcache.Cache, applier Applier, cfg Config, logger utils.Logger) *Resolver {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Pool.Name == "" {
		cfg.Pool = parallel.DefaultPoolConfig("xlink")
	}
	return &Resolver{
		refs:       refs,
		objects:    objects,
		geometries: geometries,
		applier:    applier,
		cfg:        cfg,
		logger:     utils.OrNull(logger).WithField("component", "xlink"),
	}
}

// Run pages through all recorded references and resolves them on a
// dedicated pool. It must only be called after the main pass has drained.
// Cancellation drains the queue and reports the pass as aborted.
func (r *Resolver) Run(ctx context.Context) (Result, error) {
	pool := parallel.NewPool[model.ForwardReference](ctx, r.cfg.Pool, r.factory, r.logger)
	if r.cfg.Source != "" {
		pool.SetEventSource(r.cfg.Source)
	}
	if _, err := pool.PrestartCoreWorkers(); err != nil {
		return Result{}, err
	}

	aborted, err := r.produce(ctx, pool)
	if err != nil {
		pool.ShutdownNow()
		return r.result(aborted), err
	}
	if aborted {
		dropped := pool.DrainWorkQueue()
		r.logger.Info("Reference resolution cancelled, %d queued references dropped", dropped)
	}
	pool.ShutdownAndWait()
	return r.result(aborted), nil
}

func (r *Resolver) produce(ctx context.Context, pool *parallel.Pool[model.ForwardReference]) (bool, error) {
	var after int64
	for {
		if ctx.Err() != nil {
			return true, nil
		}
		page, err := r.refs.Page(ctx, after, r.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return false, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to read forward references", err)
		}
		for _, ref := range page {
			if ref.Resolved {
				continue
			}
			if err := pool.AddWork(ctx, ref); err != nil {
				return true, nil
			}
			r.mu.Lock()
			r.stats.Read++
			r.mu.Unlock()
		}
		if len(page) < r.cfg.PageSize {
			return false, nil
		}
		after = page[len(page)-1].ID
	}
}

func (r *Resolver) result(aborted bool) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Result{
		Stats:   r.stats,
		Pending: append([]model.ForwardReference(nil), r.pending...),
		Aborted: aborted,
	}
}

func (r *Resolver) factory(info parallel.WorkerInfo) (parallel.Worker[model.ForwardReference], error) {
	return &resolveWorker{
		r:      r,
		logger: r.logger.WithField("worker", fmt.Sprintf("%s-%d", info.Pool, info.ID)),
	}, nil
}

type resolveWorker struct {
	r       *Resolver
	logger  utils.Logger
	stats   Stats
	pending []model.ForwardReference
}

func (w *resolveWorker) Process(ctx context.Context, ref model.ForwardReference) {
	cache := w.r.objects
	if ref.TargetKind == model.KindGeometry {
		cache = w.r.geometries
	}
	id, ok, err := cache.Lookup(ctx, ref.Target)
	if err != nil {
		w.stats.Failed++
		w.logger.Warn("Identifier lookup of %s failed: %v", ref.Target, err)
		return
	}
	if !ok {
		w.stats.Unresolved++
		w.pending = append(w.pending, ref)
		return
	}
	if err := w.r.applier.Apply(ctx, ref, id); err != nil {
		w.stats.Failed++
		w.logger.Warn("Failed to resolve reference %s -> %s: %v", ref.SourceGMLID, ref.Target, err)
		return
	}
	if err := w.r.refs.MarkResolved(ctx, ref.ID); err != nil {
		w.logger.Warn("Failed to mark reference %d resolved: %v", ref.ID, err)
	}
	w.stats.Resolved++
}

func (w *resolveWorker) Close() {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	w.r.stats.Resolved += w.stats.Resolved
	w.r.stats.Unresolved += w.stats.Unresolved
	w.r.stats.Failed += w.stats.Failed
	w.r.pending = append(w.r.pending, w.pending...)
}
