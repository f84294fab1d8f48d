// Package splitter produces the work items of a pipeline run: primary keys
// of matching top-level objects for export, parsed features for import.
package splitter

import (
	"context"
	"errors"

	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/pkg/config"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/parallel"
	"github.com/citymodel-pipeline/pkg/utils"
)

// EmitFunc hands one work item to the consumer. It blocks while the
// consumer is saturated.
type EmitFunc func(ctx context.Context, item model.WorkItem) error

// Stats summarizes one producer run.
type Stats struct {
	Matched  int64
	Emitted  int64
	Skipped  int64
	Deferred int64
	Aborted  bool
}

// Counter applies a start offset and limit to the sequence of matches.
type Counter struct {
	start int64
	limit int64
	seen  int64
}

// NewCounter creates a counter window. A zero limit is unlimited.
func NewCounter(cfg config.CounterConfig) *Counter {
	return &Counter{start: cfg.Start, limit: cfg.Limit}
}

// Accept reports whether the next match falls into the window.
func (c *Counter) Accept() bool {
	n := c.seen
	c.seen++
	if n < c.start {
		return false
	}
	return c.limit <= 0 || n-c.start < c.limit
}

// Exhausted reports whether no further match can be accepted.
func (c *Counter) Exhausted() bool {
	return c.limit > 0 && c.seen >= c.start+c.limit
}

// Config configures an export splitter.
type Config struct {
	Classes   []schema.Class
	Selection Selection
	Counter   config.CounterConfig
	PageSize  int
}

// Splitter pages through the keys of the store that match the requested
// classes and predicate and emits one work item per key. Group classes are
// emitted last and flagged deferred so their members are registered first.
type Splitter struct {
	query  store.QueryExecutor
	index  store.IndexInspector
	cfg    Config
	logger utils.Logger
}

// New creates a splitter.
func New(query store.QueryExecutor, index store.IndexInspector, cfg Config, logger utils.Logger) *Splitter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Splitter{
		query:  query,
		index:  index,
		cfg:    cfg,
		logger: utils.OrNull(logger),
	}
}

// Prepare checks the preconditions of the run and returns the number of
// matching keys. Every failure is fatal for the tile: no class selected, a
// spatial predicate without an active spatial index, or a query that does
// not build or execute.
func (s *Splitter) Prepare(ctx context.Context) (int64, error) {
	if len(s.cfg.Classes) == 0 {
		return 0, apperrors.New(apperrors.CodePrecondition, "no object class selected")
	}

	if s.cfg.Selection.Spatial {
		active, err := s.index.SpatialIndexActive(ctx)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to inspect spatial index", err)
		}
		if !active {
			return 0, apperrors.New(apperrors.CodeSpatialIndexMissing,
				"spatial index is not active; a bounding box or tiling filter requires it")
		}
	}

	if p := s.cfg.Selection.Predicate; p != nil {
		if _, _, err := p.ToSql(); err != nil {
			return 0, apperrors.Wrap(apperrors.CodeQueryError, "failed to build selection", err)
		}
	}

	n, err := s.query.CountKeys(ctx, schema.IDs(s.cfg.Classes), s.cfg.Selection.Predicate)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Run emits work items until all keys are emitted, the counter window is
// exhausted or ctx is cancelled. Cancellation is reported through
// Stats.Aborted, not as an error. Items already emitted stay with the
// consumer.
func (s *Splitter) Run(ctx context.Context, emit EmitFunc) (Stats, error) {
	var plain, groups []schema.Class
	for _, c := range s.cfg.Classes {
		if c.Group {
			groups = append(groups, c)
		} else {
			plain = append(plain, c)
		}
	}

	var stats Stats
	counter := NewCounter(s.cfg.Counter)

	for _, pass := range []struct {
		classes  []schema.Class
		deferred bool
	}{
		{plain, false},
		{groups, true},
	} {
		if len(pass.classes) == 0 {
			continue
		}
		done, err := s.runPass(ctx, schema.IDs(pass.classes), pass.deferred, counter, emit, &stats)
		if err != nil || done {
			return stats, err
		}
	}
	return stats, nil
}

// runPass returns done when iteration must stop early.
func (s *Splitter) runPass(ctx context.Context, classIDs []int, deferred bool,
	counter *Counter, emit EmitFunc, stats *Stats) (bool, error) {
	var afterID int64
	for {
		if ctx.Err() != nil {
			stats.Aborted = true
			return true, nil
		}

		keys, err := s.query.QueryKeys(ctx, store.KeyQuery{
			ClassIDs:  classIDs,
			Predicate: s.cfg.Selection.Predicate,
			AfterID:   afterID,
			Limit:     s.cfg.PageSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				stats.Aborted = true
				return true, nil
			}
			return true, err
		}

		for _, k := range keys {
			if ctx.Err() != nil {
				stats.Aborted = true
				return true, nil
			}
			stats.Matched++
			if !counter.Accept() {
				stats.Skipped++
				if counter.Exhausted() {
					return true, nil
				}
				continue
			}

			item := model.WorkItem{ClassID: k.ClassID, ID: k.ID, Deferred: deferred}
			if err := emit(ctx, item); err != nil {
				if isStop(ctx, err) {
					stats.Aborted = true
					return true, nil
				}
				return true, err
			}
			stats.Emitted++
			if deferred {
				stats.Deferred++
			}
			if counter.Exhausted() {
				return true, nil
			}
		}

		if len(keys) < s.cfg.PageSize {
			return false, nil
		}
		afterID = keys[len(keys)-1].ID
	}
}

func isStop(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, parallel.ErrPoolShutdown)
}
