package tiling

import (
	"context"
	"time"

	"github.com/citymodel-pipeline/internal/event"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/utils"
)

// RunFunc runs one complete pipeline instance. tile is nil for untiled runs.
type RunFunc func(ctx context.Context, tile *model.Tile, output string) (model.TileResult, error)

// Summary folds the results of all tiles that ran.
type Summary struct {
	Totals   model.Counters
	Warnings int64
	Tiles    int
	Outputs  []string
	Pending  []model.UnresolvedReference
	Aborted  bool
	Duration time.Duration
}

// Controller iterates tiles in row-major order.
type Controller struct {
	tiles    []model.Tile
	template string
	output   string
	bus      *event.Bus
	logger   utils.Logger
}

// NewController creates a controller over tiles. With no tiles it runs a
// single untiled instance writing to output.
func NewController(tiles []model.Tile, output, template string, bus *event.Bus, logger utils.Logger) *Controller {
	return &Controller{
		tiles:    tiles,
		template: template,
		output:   output,
		bus:      bus,
		logger:   utils.OrNull(logger).WithField("component", "tiling"),
	}
}

// Run executes run once per tile. It stops at the first error or
// cancellation; results of completed tiles are kept in the summary.
func (c *Controller) Run(ctx context.Context, run RunFunc) (Summary, error) {
	start := time.Now()
	summary := Summary{Totals: model.NewCounters()}

	if len(c.tiles) == 0 {
		err := c.runOne(ctx, run, nil, c.output, &summary)
		summary.Duration = time.Since(start)
		return summary, err
	}

	for i := range c.tiles {
		tile := &c.tiles[i]
		if ctx.Err() != nil {
			c.logger.Info("Cancelled before %s, %d tiles skipped", Describe(tile), len(c.tiles)-i)
			summary.Aborted = true
			break
		}
		c.bus.Publish(event.Event{
			Type:  event.TilesRemaining,
			Tile:  tile.Key(),
			Value: int64(len(c.tiles) - i),
		})

		path := OutputPath(c.template, c.output, *tile)
		if err := c.runOne(ctx, run, tile, path, &summary); err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}
		if summary.Aborted {
			break
		}
	}
	if !summary.Aborted {
		c.bus.Publish(event.Event{Type: event.TilesRemaining, Value: 0})
	}
	summary.Duration = time.Since(start)
	return summary, nil
}

func (c *Controller) runOne(ctx context.Context, run RunFunc, tile *model.Tile, path string, summary *Summary) error {
	c.logger.Info("Starting %s -> %s", Describe(tile), path)
	res, err := run(ctx, tile, path)

	summary.Totals.Merge(res.Counters)
	summary.Warnings += res.Warnings
	summary.Pending = append(summary.Pending, res.Pending...)
	if res.OutputPath != "" {
		summary.Outputs = append(summary.Outputs, res.OutputPath)
	}
	if err != nil {
		return err
	}
	summary.Tiles++
	if res.Aborted {
		summary.Aborted = true
	}

	key := ""
	if tile != nil {
		key = tile.Key()
	}
	c.bus.Publish(event.Event{Type: event.Counters, Tile: key, Counters: res.Counters.Clone()})
	c.logger.Info("Finished %s: %d objects, %d geometries, %d warnings",
		Describe(tile), res.Counters.TotalObjects(), res.Counters.TotalGeometries(), res.Warnings)
	return nil
}
