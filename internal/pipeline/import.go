package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/citymodel-pipeline/internal/event"
	"github.com/citymodel-pipeline/internal/format"
	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/internal/splitter"
	"github.com/citymodel-pipeline/internal/storage"
	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/internal/worker"
	"github.com/citymodel-pipeline/internal/xlink"
	"github.com/citymodel-pipeline/pkg/config"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/telemetry"
)

// ImportBackend is the store an import writes to.
type ImportBackend interface {
	store.ImportStore
	Database
}

// Importer loads interchange files into the store.
type Importer struct {
	store     ImportBackend
	cfg       config.ImportConfig
	resources config.ResourcesConfig
	opts      Options
}

// NewImporter creates an importer for cfg.
func NewImporter(st ImportBackend, cfg *config.Config, opts Options) *Importer {
	return &Importer{
		store:     st,
		cfg:       cfg.Import,
		resources: cfg.Resources,
		opts:      opts.normalized(),
	}
}

func openInput(_ context.Context, path string) (splitter.FeatureSource, error) {
	r, err := format.Open(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Run executes the import.
func (i *Importer) Run(ctx context.Context) *model.RunResult {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "import.run")
	defer span.End()

	runID := ulid.Make().String()
	span.SetAttributes(attribute.String("run_id", runID))
	logger := i.opts.Logger.WithField("run", runID)
	result := &model.RunResult{Totals: model.NewCounters()}

	var classes []schema.Class
	if len(i.cfg.Types) > 0 {
		var err error
		if classes, err = i.opts.Registry.Resolve(i.cfg.Types); err != nil {
			return finish(ctx, i.opts.Bus, "import", span, result, err, false, start)
		}
	}

	stageDir, err := os.MkdirTemp("", "citypipe-stage-*")
	if err != nil {
		return finish(ctx, i.opts.Bus, "import", span, result, apperrors.Wrap(apperrors.CodePrecondition, "failed to create staging directory", err), false, start)
	}
	defer os.RemoveAll(stageDir)

	inputs, err := storage.Stage(ctx, i.opts.Storage, i.cfg.Inputs, stageDir)
	if err != nil {
		return finish(ctx, i.opts.Bus, "import", span, result, err, false, start)
	}

	producer := splitter.NewFeatureProducer(openInput, splitter.ImportConfig{
		Inputs:   inputs,
		Registry: i.opts.Registry,
		Classes:  classes,
		BBox:     i.cfg.BBox,
		Counter:  i.cfg.Counter,
	}, logger)
	if err := producer.Prepare(ctx); err != nil {
		return finish(ctx, i.opts.Bus, "import", span, result, err, false, start)
	}
	logger.Info("Importing %d inputs", len(inputs))

	tile, err := i.run(ctx, runID, producer)
	result.Totals = tile.Counters
	result.Warnings = tile.Warnings
	result.Unresolved = tile.Pending
	if err == nil {
		result.Tiles = 1
	}
	i.opts.Bus.Publish(event.Event{Type: event.Counters, Source: "import", Counters: tile.Counters.Clone()})
	return finish(ctx, i.opts.Bus, "import", span, result, err, tile.Aborted, start)
}

func (i *Importer) run(ctx context.Context, runID string, producer *splitter.FeatureProducer) (res model.TileResult, err error) {
	in := newInstance("import", runID, nil, i.store.DB(), i.resources, i.opts.Bus, i.opts.Logger.WithField("run", runID))
	defer func() {
		err = retain(err, in.close())
		in.result(&res)
	}()

	if err = in.open(ctx); err != nil {
		return res, err
	}

	factory := worker.ImportFactory(worker.ImportDeps{
		Store:      i.store,
		Registry:   i.opts.Registry,
		Objects:    in.objects,
		Geometries: in.geometries,
		Refs:       in.refs,
		Lineage:    i.cfg.Lineage,
		Totals:     in.totals,
		Logger:     in.logger,
	})
	stats, err := in.runMain(ctx, producer, factory, 0)
	if err != nil {
		return res, err
	}
	if stats.Aborted {
		res.Aborted = true
		return res, nil
	}

	resolved, err := in.resolve(ctx, xlink.ImportApplier{Store: i.store})
	if err != nil {
		return res, err
	}
	res.Aborted = resolved.Aborted
	if res.Aborted {
		return res, nil
	}

	pending, err := i.linkExisting(ctx, resolved.Pending)
	res.Pending = pendingOf(pending, "")
	return res, err
}

// linkExisting links references to features that were already stored
// before this run and returns the rest.
func (i *Importer) linkExisting(ctx context.Context, pending []model.ForwardReference) ([]model.ForwardReference, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	targets := make(map[model.IDKind][]string)
	for _, p := range pending {
		targets[p.TargetKind] = append(targets[p.TargetKind], p.Target)
	}
	known := make(map[model.IDKind]map[string]int64, len(targets))
	for kind, ids := range targets {
		m, err := i.store.ResolveExternalIDs(ctx, kind, ids)
		if err != nil {
			return pending, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to resolve stored targets", err)
		}
		known[kind] = m
	}

	var rest []model.ForwardReference
	for _, p := range pending {
		id, ok := known[p.TargetKind][p.Target]
		if !ok {
			rest = append(rest, p)
			continue
		}
		if err := i.store.UpdateReference(ctx, p.SourceID, id); err != nil {
			i.opts.Logger.Warn("Failed to link %s -> %s: %v", p.SourceGMLID, p.Target, err)
			rest = append(rest, p)
		}
	}
	return rest, nil
}
