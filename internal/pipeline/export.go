package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/citymodel-pipeline/internal/event"
	"github.com/citymodel-pipeline/internal/format"
	"github.com/citymodel-pipeline/internal/idcache"
	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/internal/splitter"
	"github.com/citymodel-pipeline/internal/storage"
	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/internal/tiling"
	"github.com/citymodel-pipeline/internal/transform"
	"github.com/citymodel-pipeline/internal/worker"
	"github.com/citymodel-pipeline/internal/xlink"
	"github.com/citymodel-pipeline/pkg/config"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/telemetry"
	"github.com/citymodel-pipeline/pkg/utils"
)

// ExportBackend is the store an export reads from.
type ExportBackend interface {
	store.ExportStore
	Database
}

// Exporter writes the features matching the export configuration to one
// file per tile.
type Exporter struct {
	store     ExportBackend
	cfg       config.ExportConfig
	resources config.ResourcesConfig
	prefix    string
	opts      Options
}

// NewExporter creates an exporter for cfg.
func NewExporter(st ExportBackend, cfg *config.Config, opts Options) *Exporter {
	return &Exporter{
		store:     st,
		cfg:       cfg.Export,
		resources: cfg.Resources,
		prefix:    cfg.Storage.Prefix,
		opts:      opts.normalized(),
	}
}

// exportJob is the part of an export shared by all tiles.
type exportJob struct {
	runID    string
	classes  []schema.Class
	base     splitter.Selection
	chain    *transform.Chain
	format   format.Format
	tiles    []model.Tile
	exported *idcache.ExportedSet
	logger   utils.Logger
}

// Run executes the export. It never panics on failure: the outcome,
// including the retained error, is reported in the result.
func (e *Exporter) Run(ctx context.Context) *model.RunResult {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "export.run")
	defer span.End()

	result := &model.RunResult{Totals: model.NewCounters()}
	job, err := e.plan()
	if err != nil {
		return finish(ctx, e.opts.Bus, "export", span, result, err, false, start)
	}
	span.SetAttributes(attribute.String("run_id", job.runID), attribute.Int("tiles", len(job.tiles)))
	job.logger.Info("Exporting %d classes to %s", len(job.classes), e.cfg.Output)

	controller := tiling.NewController(job.tiles, e.cfg.Output, e.cfg.Tiling.PathTemplate, e.opts.Bus, job.logger)
	summary, err := controller.Run(ctx, func(ctx context.Context, tile *model.Tile, output string) (model.TileResult, error) {
		return e.runTile(ctx, job, tile, output)
	})

	result.Totals = summary.Totals
	result.Warnings = summary.Warnings
	result.Tiles = summary.Tiles
	result.Outputs = summary.Outputs
	result.Unresolved = summary.Pending
	if err == nil && !summary.Aborted && len(summary.Pending) > 0 {
		result.Unresolved, err = e.crossTile(ctx, job, summary.Pending)
	}
	return finish(ctx, e.opts.Bus, "export", span, result, err, summary.Aborted, start)
}

func (e *Exporter) plan() (*exportJob, error) {
	job := &exportJob{
		runID:    ulid.Make().String(),
		exported: idcache.NewExportedSet(),
	}
	job.logger = e.opts.Logger.WithField("run", job.runID)

	var err error
	if job.classes, err = e.opts.Registry.Resolve(e.cfg.Types); err != nil {
		return nil, err
	}
	if job.chain, err = transform.New(e.cfg.Transform, e.opts.Registry); err != nil {
		return nil, err
	}

	version, err := splitter.VersionSelection(e.cfg.Version)
	if err != nil {
		return nil, err
	}
	job.base = splitter.And(splitter.AttributeSelection(e.cfg.GMLIDs, e.cfg.Lineage), version)

	if e.cfg.BBox.Enabled() {
		bbox, err := splitter.BBoxSelection(e.cfg.BBox.Bound(), e.cfg.BBox.Mode)
		if err != nil {
			return nil, err
		}
		job.base = splitter.And(job.base, bbox)

		// the box selects, the tiles only split the selection by center
		if e.cfg.Tiling.Enabled() {
			if job.tiles, err = tiling.Grid(e.cfg.BBox.Bound(), e.cfg.BBox.SRS, e.cfg.Tiling.Rows, e.cfg.Tiling.Columns); err != nil {
				return nil, err
			}
		}
	}

	job.format = format.Format(e.cfg.Format)
	if job.format == "" {
		job.format = format.FromPath(e.cfg.Output)
	}
	return job, nil
}

// runTile runs one pipeline instance. The writer is closed and the cache
// tables are dropped on every path out of it.
func (e *Exporter) runTile(ctx context.Context, job *exportJob, tile *model.Tile, output string) (res model.TileResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "export.tile", trace.WithAttributes(attribute.String("tile", tiling.Describe(tile))))
	defer span.End()
	res.Tile = tile

	selection := job.base
	if tile != nil {
		selection = splitter.And(selection, splitter.TileSelection(*tile))
	}
	in := newInstance("export", job.runID, tile, e.store.DB(), e.resources, e.opts.Bus, job.logger)

	sp := splitter.New(e.store, e.store, splitter.Config{
		Classes:   job.classes,
		Selection: selection,
		Counter:   e.cfg.Counter,
		PageSize:  e.resources.KeyPageSize,
	}, in.logger)
	expected, err := sp.Prepare(ctx)
	if err != nil {
		return res, err
	}

	srs := e.cfg.BBox.SRS
	if tile != nil {
		srs = tile.SRS
	}
	writer, err := format.Create(output, format.Options{
		Format:   job.format,
		Metadata: format.Metadata{Title: tiling.Describe(tile), ReferenceSystem: job.chain.TargetSRS(srs)},
	}, in.logger)
	if err != nil {
		return res, err
	}

	defer func() {
		var td teardown
		td.add("close cache", in.close())
		td.add("close writer", writer.Close())
		in.result(&res)
		err = retain(err, td.err())
		if err == nil {
			res.OutputPath = output
			if !res.Aborted {
				err = e.publish(ctx, output)
			}
		}
		if err != nil {
			span.RecordError(err)
		}
	}()

	if err = in.open(ctx); err != nil {
		return res, err
	}

	factory := worker.ExportFactory(worker.ExportDeps{
		Store:      e.store,
		Writer:     writer,
		Transform:  job.chain,
		Objects:    in.objects,
		Geometries: in.geometries,
		Refs:       in.refs,
		Exported:   job.exported,
		Totals:     in.totals,
		Logger:     in.logger,
	})
	stats, err := in.runMain(ctx, sp, factory, expected)
	if err != nil {
		return res, err
	}
	if stats.Aborted {
		res.Aborted = true
		return res, nil
	}

	resolved, err := in.resolve(ctx, xlink.ExportApplier{Writer: writer, Transform: job.chain})
	if err != nil {
		return res, err
	}
	res.Aborted = resolved.Aborted
	res.Pending = pendingOf(resolved.Pending, in.tile)
	return res, nil
}

func (e *Exporter) publish(ctx context.Context, output string) error {
	if !e.cfg.Upload || e.opts.Storage == nil {
		return nil
	}
	url, err := storage.Publish(ctx, e.opts.Storage, e.prefix, output)
	if err != nil {
		return err
	}
	e.opts.Logger.Info("Uploaded %s to %s", output, url)
	return nil
}

// crossTile drops the references whose target was written by another
// tile of this run.
func (e *Exporter) crossTile(ctx context.Context, job *exportJob, pending []model.UnresolvedReference) ([]model.UnresolvedReference, error) {
	targets := make(map[model.IDKind][]string)
	for _, p := range pending {
		targets[p.Kind] = append(targets[p.Kind], p.Target)
	}
	known := make(map[model.IDKind]map[string]int64, len(targets))
	for kind, ids := range targets {
		m, err := e.store.ResolveExternalIDs(ctx, kind, ids)
		if err != nil {
			return pending, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to resolve cross-tile references", err)
		}
		known[kind] = m
	}

	var unresolved []model.UnresolvedReference
	for _, p := range pending {
		if id, ok := known[p.Kind][p.Target]; ok && job.exported.Contains(p.Kind, id) {
			continue
		}
		unresolved = append(unresolved, p)
	}
	job.logger.Info("%d of %d pending references point into other tiles", len(pending)-len(unresolved), len(pending))
	return unresolved, nil
}

// finish derives the run status and publishes the terminal events.
func finish(ctx context.Context, bus *event.Bus, kind string, span trace.Span, r *model.RunResult, err error, aborted bool, start time.Time) *model.RunResult {
	r.Duration = time.Since(start)
	if err != nil && errors.Is(err, context.Canceled) {
		err, aborted = nil, true
	}
	switch {
	case err != nil:
		r.Status = model.StatusFailed
		r.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.GetErrorMessage(err))
	case aborted || ctx.Err() != nil:
		r.Status = model.StatusAborted
	default:
		r.Status = model.StatusFinished
	}
	span.SetAttributes(attribute.String("status", string(r.Status)))

	bus.Publish(event.Event{Type: event.Unresolved, Source: kind, Value: int64(len(r.Unresolved))})
	bus.Publish(event.Event{Type: event.Totals, Source: kind, Counters: r.Totals.Clone(), Value: r.Warnings})
	return r
}
