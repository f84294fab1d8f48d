package splitter

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/pkg/config"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/utils"
)

// FeatureSource yields parsed features of one input. Next returns io.EOF
// after the last feature. Errors carrying the PARSE_ERROR code concern a
// single element; the source stays usable.
type FeatureSource interface {
	Next() (*model.Feature, error)
	Close() error
}

// OpenFunc opens an input for reading.
type OpenFunc func(ctx context.Context, path string) (FeatureSource, error)

// ImportConfig configures a FeatureProducer.
type ImportConfig struct {
	Inputs   []string
	Registry *schema.Registry
	// Classes restricts the accepted top-level classes. Empty accepts all.
	Classes []schema.Class
	BBox    config.BBoxConfig
	Counter config.CounterConfig
}

// FeatureProducer reads input files in order and emits one work item per
// accepted top-level feature. Group features are held back and emitted
// deferred after all other features.
type FeatureProducer struct {
	open    OpenFunc
	cfg     ImportConfig
	allowed map[int]bool
	logger  utils.Logger
}

// NewFeatureProducer creates a producer.
func NewFeatureProducer(open OpenFunc, cfg ImportConfig, logger utils.Logger) *FeatureProducer {
	if cfg.Registry == nil {
		cfg.Registry = schema.Default()
	}
	var allowed map[int]bool
	if len(cfg.Classes) > 0 {
		allowed = make(map[int]bool, len(cfg.Classes))
		for _, c := range cfg.Classes {
			allowed[c.ID] = true
		}
	}
	return &FeatureProducer{open: open, cfg: cfg, allowed: allowed, logger: utils.OrNull(logger)}
}

// Prepare checks that every input exists.
func (p *FeatureProducer) Prepare(context.Context) error {
	if len(p.cfg.Inputs) == 0 {
		return apperrors.New(apperrors.CodePrecondition, "no input files")
	}
	for _, in := range p.cfg.Inputs {
		info, err := os.Stat(in)
		if err != nil {
			return apperrors.Wrap(apperrors.CodePrecondition, "input not readable: "+in, err)
		}
		if info.IsDir() {
			return apperrors.New(apperrors.CodePrecondition, "input is a directory: "+in)
		}
	}
	return nil
}

// Run emits work items until all inputs are consumed, the counter window is
// exhausted or ctx is cancelled. Accepted groups are emitted last as
// deferred items unless the run was cancelled or failed.
func (p *FeatureProducer) Run(ctx context.Context, emit EmitFunc) (Stats, error) {
	var stats Stats
	counter := NewCounter(p.cfg.Counter)
	var groups []*model.Feature

	for _, in := range p.cfg.Inputs {
		done, err := p.runInput(ctx, in, counter, emit, &groups, &stats)
		if err != nil || stats.Aborted {
			return stats, err
		}
		if done {
			break
		}
	}

	for _, f := range groups {
		if ctx.Err() != nil {
			stats.Aborted = true
			return stats, nil
		}
		if err := emit(ctx, model.WorkItem{ClassID: f.ClassID, Deferred: true, Feature: f}); err != nil {
			if isStop(ctx, err) {
				stats.Aborted = true
				return stats, nil
			}
			return stats, err
		}
		stats.Emitted++
		stats.Deferred++
	}
	return stats, nil
}

// runInput returns done when no further input must be read. Cancellation
// additionally sets stats.Aborted.
func (p *FeatureProducer) runInput(ctx context.Context, path string, counter *Counter, emit EmitFunc,
	groups *[]*model.Feature, stats *Stats) (bool, error) {
	src, err := p.open(ctx, path)
	if err != nil {
		return true, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			p.logger.Warn("Failed to close input %s: %v", path, err)
		}
	}()

	log := p.logger.WithField("input", path)
	for {
		if ctx.Err() != nil {
			stats.Aborted = true
			return true, nil
		}

		f, err := src.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) && appErr.Code == apperrors.CodeParseError {
				log.Warn("Skipping unreadable feature: %v", err)
				stats.Skipped++
				continue
			}
			return true, err
		}

		class, ok := p.accept(f, log)
		if !ok {
			stats.Skipped++
			continue
		}
		stats.Matched++
		if !counter.Accept() {
			stats.Skipped++
			if counter.Exhausted() {
				return true, nil
			}
			continue
		}

		if class.Group {
			*groups = append(*groups, f)
		} else {
			if err := emit(ctx, model.WorkItem{ClassID: class.ID, Feature: f}); err != nil {
				if isStop(ctx, err) {
					stats.Aborted = true
					return true, nil
				}
				return true, err
			}
			stats.Emitted++
		}
		if counter.Exhausted() {
			return true, nil
		}
	}
}

func (p *FeatureProducer) accept(f *model.Feature, log utils.Logger) (schema.Class, bool) {
	class, ok := p.cfg.Registry.ByName(f.Class)
	if !ok || !class.TopLevel || class.Abstract {
		log.Warn("Skipping feature %s of unsupported type %q", f.GMLID, f.Class)
		return schema.Class{}, false
	}
	if p.allowed != nil && !p.allowed[class.ID] {
		return schema.Class{}, false
	}
	if p.cfg.BBox.Enabled() {
		if !MatchesBBox(f.ComputeEnvelope(), p.cfg.BBox.Bound(), p.cfg.BBox.Mode) {
			return schema.Class{}, false
		}
	}
	f.ClassID = class.ID
	return class, true
}
