// Package pipeline runs export and import jobs. Each job runs one or more
// pipeline instances (one per tile for tiled exports). An instance owns
// its cache tables, identifier caches and worker pools and always tears
// them down, whatever the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/citymodel-pipeline/internal/cachetable"
	"github.com/citymodel-pipeline/internal/event"
	"github.com/citymodel-pipeline/internal/idcache"
	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/internal/splitter"
	"github.com/citymodel-pipeline/internal/storage"
	"github.com/citymodel-pipeline/internal/worker"
	"github.com/citymodel-pipeline/internal/xlink"
	"github.com/citymodel-pipeline/pkg/config"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/parallel"
	"github.com/citymodel-pipeline/pkg/telemetry"
	"github.com/citymodel-pipeline/pkg/utils"
)

// Options carries the optional collaborators of a job.
type Options struct {
	Registry *schema.Registry
	// Storage receives exported files when uploads are enabled and serves
	// remote import inputs.
	Storage storage.Storage
	Bus     *event.Bus
	Logger  utils.Logger
}

func (o Options) normalized() Options {
	if o.Registry == nil {
		o.Registry = schema.Default()
	}
	o.Logger = utils.OrNull(o.Logger)
	return o
}

// Database exposes the connection cache tables are created on.
type Database interface {
	DB() *gorm.DB
}

// producer feeds work items into a pool.
type producer interface {
	Run(ctx context.Context, emit splitter.EmitFunc) (splitter.Stats, error)
}

// instance is one run of {producer, pool, caches, cache tables, resolver}.
type instance struct {
	kind      string
	source    string
	tile      string
	resources config.ResourcesConfig
	bus       *event.Bus
	logger    utils.Logger

	manager    *cachetable.Manager
	objects    *idcache.Cache
	geometries *idcache.Cache
	refs       *cachetable.RefTable
	totals     *worker.Totals
	pool       *parallel.Pool[model.WorkItem]

	// failed counts references the resolver could not rewrite.
	failed int64
}

func newInstance(kind, runID string, tile *model.Tile, db *gorm.DB, resources config.ResourcesConfig, bus *event.Bus, logger utils.Logger) *instance {
	in := &instance{
		kind:      kind,
		source:    kind,
		resources: resources,
		bus:       bus,
		totals:    worker.NewTotals(),
	}
	suffix := runID
	if tile != nil {
		in.tile = tile.Key()
		in.source = kind + "-" + in.tile
		suffix = runID + "_" + in.tile
	}
	in.logger = logger.WithField("source", in.source)
	in.manager = cachetable.NewManager(db, suffix, in.logger)
	return in
}

// open creates the cache tables and the identifier caches backed by them.
func (in *instance) open(ctx context.Context) error {
	objTable, err := in.manager.IDTable(ctx, cachetable.KindObjectIDs)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to create object id cache table", err)
	}
	geomTable, err := in.manager.IDTable(ctx, cachetable.KindGeometryIDs)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to create geometry id cache table", err)
	}
	if in.refs, err = in.manager.RefTable(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to create forward reference table", err)
	}

	cfg := cacheConfig(in.resources.IDCache)
	in.objects = idcache.New(model.KindObject, cfg, objTable, in.logger)
	in.geometries = idcache.New(model.KindGeometry, cfg, geomTable, in.logger)
	return nil
}

// runMain starts the main pool and feeds it from p until p is exhausted,
// fails or is cancelled. It returns once the pool terminated.
func (in *instance) runMain(ctx context.Context, p producer, factory parallel.WorkerFactory[model.WorkItem], expected int64) (splitter.Stats, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pool.main", trace.WithAttributes(attribute.String("source", in.source)))
	defer span.End()

	cfg := poolConfig(in.kind, in.resources.Workers, in.resources.QueueCapacity)
	// in-flight items finish on cancellation; the producer observes ctx
	in.pool = parallel.NewPool[model.WorkItem](context.WithoutCancel(ctx), cfg, factory, in.logger)
	in.pool.SetEventSource(in.source)
	started, err := in.pool.PrestartCoreWorkers()
	if err != nil {
		return splitter.Stats{}, err
	}
	in.logger.Debug("Main pool started with %d workers for %d items", started, expected)

	publish := func(s parallel.PoolStats) {
		in.bus.Publish(event.Event{
			Type:   event.Progress,
			Source: in.source,
			Tile:   in.tile,
			Value:  s.Processed,
			Total:  expected,
		})
	}

	monitorCtx, stopMonitor := context.WithCancel(context.WithoutCancel(ctx))
	var g errgroup.Group
	g.Go(func() error {
		in.pool.Monitor(monitorCtx, in.resources.ProgressInterval, publish)
		return nil
	})

	var stats splitter.Stats
	g.Go(func() error {
		defer stopMonitor()
		var err error
		stats, err = p.Run(ctx, in.pool.AddWork)
		switch {
		case err != nil:
			dropped := in.pool.ShutdownNow()
			in.logger.Warn("Producer failed, %d queued items dropped: %v", dropped, err)
			return err
		case stats.Aborted:
			dropped := in.pool.DrainWorkQueue()
			in.logger.Info("Cancelled, %d queued items dropped", dropped)
		}
		in.pool.ShutdownAndWait()
		publish(in.pool.Stats())
		return nil
	})

	err = g.Wait()
	span.SetAttributes(attribute.Int64("emitted", stats.Emitted))
	return stats, err
}

// resolve runs the reference resolver once the main pool drained.
func (in *instance) resolve(ctx context.Context, applier xlink.Applier) (xlink.Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pool.xlink", trace.WithAttributes(attribute.String("source", in.source)))
	defer span.End()

	r := xlink.New(in.refs, in.objects, in.geometries, applier, xlink.Config{
		Pool:     poolConfig("xlink", in.resources.XLinkWorkers, in.resources.QueueCapacity),
		PageSize: in.resources.RefPageSize,
		Source:   in.source + "-xlink",
	}, in.logger)
	res, err := r.Run(ctx)
	in.failed = res.Failed
	span.SetAttributes(attribute.Int64("resolved", res.Resolved), attribute.Int64("unresolved", res.Unresolved))
	return res, err
}

// close terminates the pool if it still runs, drops the caches and their
// tables. Every step runs; failures are joined.
func (in *instance) close() error {
	var td teardown
	if in.pool != nil && in.pool.State() != parallel.StateTerminated {
		in.logger.Warn("Terminating pool, %d queued items dropped", in.pool.ShutdownNow())
	}
	if in.objects != nil {
		in.objects.Drop()
	}
	if in.geometries != nil {
		in.geometries.Drop()
	}
	// cancellation must not leave tables behind
	td.add("drop cache tables", in.manager.DropAll(context.Background()))
	return td.err()
}

// result folds the counters of the instance into r.
func (in *instance) result(r *model.TileResult) {
	r.Counters = in.totals.Counters()
	r.Warnings = in.totals.Warnings() + in.failed
}

func pendingOf(refs []model.ForwardReference, tile string) []model.UnresolvedReference {
	out := make([]model.UnresolvedReference, 0, len(refs))
	for _, r := range refs {
		out = append(out, model.UnresolvedReference{
			Source:   r.SourceGMLID,
			Property: r.Property,
			Target:   r.Target,
			Kind:     r.TargetKind,
			Tile:     tile,
		})
	}
	return out
}

type teardown struct {
	errs []error
}

func (t *teardown) add(step string, err error) {
	if err != nil {
		t.errs = append(t.errs, fmt.Errorf("%s: %w", step, err))
	}
}

func (t *teardown) err() error {
	return errors.Join(t.errs...)
}

// retain keeps the first error.
func retain(first, next error) error {
	if first != nil {
		return first
	}
	return next
}

func poolConfig(name string, size config.PoolSize, queue int) parallel.PoolConfig {
	cfg := parallel.DefaultPoolConfig(name)
	if size.Core > 0 {
		cfg = cfg.WithSize(size.Core, size.Max)
		cfg.QueueCapacity = 0
	}
	if queue > 0 {
		cfg = cfg.WithQueueCapacity(queue)
	}
	if cfg.MaxSize > cfg.CoreSize {
		cfg = cfg.WithStrategy(parallel.QueuePressureStrategy{GrowAt: 0.75})
	}
	return cfg
}

func cacheConfig(c config.IDCacheConfig) idcache.Config {
	cfg := idcache.DefaultConfig()
	if c.Partitions > 0 {
		cfg.Partitions = c.Partitions
	}
	if c.Capacity > 0 {
		cfg.Capacity = c.Capacity
	}
	if c.FillFactor > 0 {
		cfg.FillFactor = c.FillFactor
	}
	return cfg
}
