package tiling

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citymodel-pipeline/internal/event"
	"github.com/citymodel-pipeline/pkg/model"
)

func TestGrid_RowMajor(t *testing.T) {
	tiles, err := Grid(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{30, 20}}, "EPSG:4326", 2, 3)
	require.NoError(t, err)
	require.Len(t, tiles, 6)

	var keys []string
	for _, tile := range tiles {
		keys = append(keys, tile.Key())
	}
	assert.Equal(t, []string{"0_0", "0_1", "0_2", "1_0", "1_1", "1_2"}, keys)

	assert.Equal(t, orb.Bound{Min: orb.Point{10, 0}, Max: orb.Point{20, 10}}, tiles[1].Extent)
	assert.Equal(t, orb.Bound{Min: orb.Point{20, 10}, Max: orb.Point{30, 20}}, tiles[5].Extent)
	assert.True(t, tiles[5].LastRow)
	assert.True(t, tiles[5].LastColumn)
	assert.False(t, tiles[1].LastColumn)
	assert.True(t, tiles[0].FirstRow)
	assert.True(t, tiles[3].FirstColumn)
	assert.False(t, tiles[4].FirstRow)
	assert.Equal(t, "EPSG:4326", tiles[0].SRS)
}

func TestGrid_BoundaryPointsBelongToOneTile(t *testing.T) {
	tiles, err := Grid(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 2}}, "", 2, 2)
	require.NoError(t, err)

	for _, p := range []orb.Point{{1, 1}, {0, 0}, {2, 2}, {1, 2}, {2, 0}, {-5, 1}, {3, 3}, {1, -0.5}, {-1, 9}} {
		n := 0
		for _, tile := range tiles {
			if tile.Contains(p) {
				n++
			}
		}
		assert.Equal(t, 1, n, "point %v", p)
	}
}

func TestGrid_Invalid(t *testing.T) {
	_, err := Grid(orb.Bound{Max: orb.Point{1, 1}}, "", 0, 2)
	assert.Error(t, err)
	_, err = Grid(orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{1, 5}}, "", 2, 2)
	assert.Error(t, err)
}

func TestOutputPath(t *testing.T) {
	tile := model.Tile{Row: 1, Column: 2}
	assert.Equal(t, "/out/city_1_2.city.json.gz", OutputPath("", "/out/city.city.json.gz", tile))
	assert.Equal(t, "/out/r1/c2.jsonl", OutputPath("/out/r{row}/c{col}.jsonl", "/x/ignored.json", tile))
	assert.Equal(t, "noext_1_2", OutputPath("", "noext", tile))
}

func okRun(objects int64) RunFunc {
	return func(_ context.Context, tile *model.Tile, output string) (model.TileResult, error) {
		c := model.NewCounters()
		c.AddObject("Building", objects)
		return model.TileResult{Tile: tile, OutputPath: output, Counters: c, Warnings: 1}, nil
	}
}

func TestController_FoldsCountersPerTile(t *testing.T) {
	tiles, err := Grid(orb.Bound{Max: orb.Point{4, 4}}, "", 2, 2)
	require.NoError(t, err)
	bus := event.NewBus()
	rec := &event.Recorder{}
	bus.Subscribe(rec.Listen)

	summary, err := NewController(tiles, "out.city.json", "", bus, nil).Run(context.Background(), okRun(3))
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Tiles)
	assert.Equal(t, int64(12), summary.Totals.Objects["Building"])
	assert.Equal(t, int64(4), summary.Warnings)
	assert.Equal(t, []string{"out_0_0.city.json", "out_0_1.city.json", "out_1_0.city.json", "out_1_1.city.json"}, summary.Outputs)
	assert.False(t, summary.Aborted)

	var remaining []int64
	for _, e := range rec.Events(event.TilesRemaining) {
		remaining = append(remaining, e.Value)
	}
	assert.Equal(t, []int64{4, 3, 2, 1, 0}, remaining)
	assert.Len(t, rec.Events(event.Counters), 4)
}

func TestController_Untiled(t *testing.T) {
	var got *model.Tile
	var path string
	run := func(_ context.Context, tile *model.Tile, output string) (model.TileResult, error) {
		got, path = tile, output
		return model.TileResult{OutputPath: output}, nil
	}
	summary, err := NewController(nil, "out.city.json", "", nil, nil).Run(context.Background(), run)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, "out.city.json", path)
	assert.Equal(t, 1, summary.Tiles)
}

func TestController_StopsOnCancel(t *testing.T) {
	tiles, err := Grid(orb.Bound{Max: orb.Point{3, 3}}, "", 3, 3)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	run := func(ctx context.Context, tile *model.Tile, output string) (model.TileResult, error) {
		calls++
		if calls == 2 {
			cancel()
			return model.TileResult{OutputPath: output, Aborted: true}, nil
		}
		return okRun(1)(ctx, tile, output)
	}

	summary, err := NewController(tiles, "o.json", "", nil, nil).Run(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, summary.Aborted)
	assert.Equal(t, int64(1), summary.Totals.Objects["Building"])
	assert.Len(t, summary.Outputs, 2)
}

func TestController_StopsOnError(t *testing.T) {
	tiles, err := Grid(orb.Bound{Max: orb.Point{2, 2}}, "", 1, 2)
	require.NoError(t, err)

	boom := errors.New("boom")
	calls := 0
	run := func(ctx context.Context, tile *model.Tile, output string) (model.TileResult, error) {
		calls++
		return model.TileResult{}, boom
	}
	summary, err := NewController(tiles, "o.json", "", nil, nil).Run(context.Background(), run)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Zero(t, summary.Tiles)
}
