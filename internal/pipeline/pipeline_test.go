package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citymodel-pipeline/internal/event"
	"github.com/citymodel-pipeline/internal/format"
	"github.com/citymodel-pipeline/internal/storage"
	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/internal/testutil"
	"github.com/citymodel-pipeline/pkg/config"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Export.Output = filepath.Join(t.TempDir(), "city.city.json")
	cfg.Resources.Workers = config.PoolSize{Core: 2, Max: 4}
	cfg.Resources.XLinkWorkers = config.PoolSize{Core: 1, Max: 2}
	cfg.Resources.QueueCapacity = 4
	cfg.Resources.KeyPageSize = 3
	cfg.Resources.RefPageSize = 2
	cfg.Resources.ProgressInterval = 10 * time.Millisecond
	return cfg
}

// readAll returns the features of an output file keyed by id.
func readAll(t *testing.T, path string) map[string]*model.Feature {
	t.Helper()
	r, err := format.Open(path)
	require.NoError(t, err)
	defer r.Close()

	out := make(map[string]*model.Feature)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out[f.GMLID] = f
	}
}

func cacheTables(t *testing.T, s *store.GormStore) []string {
	t.Helper()
	tables, err := s.DB().Migrator().GetTables()
	require.NoError(t, err)
	var tmp []string
	for _, name := range tables {
		if strings.HasPrefix(name, "tmp_") {
			tmp = append(tmp, name)
		}
	}
	return tmp
}

func TestExport_NoMatches(t *testing.T) {
	s := testutil.NewStore(t, true)
	cfg := testConfig(t)

	result := NewExporter(s, cfg, Options{}).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, model.StatusFinished, result.Status)
	assert.True(t, result.Totals.IsZero())
	assert.Zero(t, result.Warnings)
	assert.Equal(t, []string{cfg.Export.Output}, result.Outputs)
	assert.Empty(t, readAll(t, cfg.Export.Output))
	assert.Empty(t, cacheTables(t, s))
}

func TestExport_ResolvesLaterReference(t *testing.T) {
	s := testutil.NewStore(t, true)
	// a is stored first so its reference to b is seen before b
	testutil.Persist(t, s, testutil.Building("a", 0, 0, "b"))
	testutil.Persist(t, s, testutil.Building("b", 5, 5, "a"))
	testutil.Persist(t, s, testutil.Building("c", 9, 9, "nowhere"))
	cfg := testConfig(t)
	cfg.Resources.Workers = config.PoolSize{Core: 1, Max: 1}

	bus := event.NewBus()
	rec := &event.Recorder{}
	bus.Subscribe(rec.Listen)

	result := NewExporter(s, cfg, Options{Bus: bus}).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, model.StatusFinished, result.Status)
	assert.Equal(t, int64(3), result.Totals.Objects["Building"])
	assert.Equal(t, int64(3), result.Totals.Objects["WallSurface"])

	features := readAll(t, cfg.Export.Output)
	require.Len(t, features, 3)
	ref := features["a"].References[0]
	assert.True(t, ref.Resolved)
	assert.Equal(t, "#b", ref.Href)
	assert.True(t, features["b"].References[0].Resolved)
	assert.False(t, features["c"].References[0].Resolved)

	require.Len(t, result.Unresolved, 1)
	assert.Equal(t, model.UnresolvedReference{Source: "c", Property: "relatedTo", Target: "nowhere", Kind: model.KindObject}, result.Unresolved[0])

	totals := rec.Events(event.Totals)
	require.Len(t, totals, 1)
	assert.Equal(t, "export", totals[0].Source)
	assert.Empty(t, cacheTables(t, s))
}

func TestExport_MissingSpatialIndex(t *testing.T) {
	s := testutil.NewStore(t, false)
	testutil.Persist(t, s, testutil.Building("a", 0, 0))
	cfg := testConfig(t)
	cfg.Export.BBox = config.BBoxConfig{Bounds: []float64{-1, -1, 10, 10}, Mode: "overlaps"}

	result := NewExporter(s, cfg, Options{}).Run(context.Background())

	assert.Equal(t, model.StatusFailed, result.Status)
	assert.True(t, apperrors.IsSpatialIndexError(result.Err))
	assert.NoFileExists(t, cfg.Export.Output)
	assert.Empty(t, result.Outputs)
	assert.Empty(t, cacheTables(t, s))
}

func TestExport_BadOutputPath(t *testing.T) {
	s := testutil.NewStore(t, true)
	cfg := testConfig(t)
	cfg.Export.Output = filepath.Join(t.TempDir(), "missing", "out.city.json")

	result := NewExporter(s, cfg, Options{}).Run(context.Background())
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, apperrors.CodeOutputPath, apperrors.GetErrorCode(result.Err))
}

func TestExport_UnknownType(t *testing.T) {
	s := testutil.NewStore(t, true)
	cfg := testConfig(t)
	cfg.Export.Types = []string{"Spaceship"}

	result := NewExporter(s, cfg, Options{}).Run(context.Background())
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.False(t, result.Success())
}

// cancellingStore cancels the run once a number of features were fetched.
type cancellingStore struct {
	*store.GormStore
	after   int64
	fetched atomic.Int64
	cancel  context.CancelFunc
}

func (s *cancellingStore) FetchFeature(ctx context.Context, id int64) (*model.Feature, error) {
	if s.fetched.Add(1) == s.after {
		s.cancel()
	}
	return s.GormStore.FetchFeature(ctx, id)
}

func TestExport_Cancelled(t *testing.T) {
	s := testutil.NewStore(t, true)
	const n = 40
	for i := 0; i < n; i++ {
		testutil.Persist(t, s, testutil.Building(fmt.Sprintf("bldg-%d", i), float64(i), 0))
	}
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs := &cancellingStore{GormStore: s, after: 5, cancel: cancel}

	result := NewExporter(cs, cfg, Options{}).Run(ctx)

	assert.Equal(t, model.StatusAborted, result.Status)
	assert.NoError(t, result.Err)
	processed := result.Totals.Objects["Building"]
	assert.LessOrEqual(t, processed, int64(n))
	assert.GreaterOrEqual(t, processed, int64(4))

	features := readAll(t, cfg.Export.Output)
	assert.Len(t, features, int(processed))
	assert.Empty(t, cacheTables(t, s))
}

func TestExport_Tiled(t *testing.T) {
	s := testutil.NewStore(t, true)
	// 1x1 buildings; centers fall into the 2x2 grid over [0,20]
	testutil.Persist(t, s, testutil.Building("sw", 1, 1, "ne"))
	testutil.Persist(t, s, testutil.Building("se", 15, 1))
	testutil.Persist(t, s, testutil.Building("nw", 1, 15, "ghost"))
	testutil.Persist(t, s, testutil.Building("ne", 15, 15, "sw"))
	testutil.Persist(t, s, testutil.Building("outside", 50, 50))

	cfg := testConfig(t)
	cfg.Export.BBox = config.BBoxConfig{Bounds: []float64{0, 0, 20, 20}, Mode: "overlaps"}
	cfg.Export.Tiling = config.TilingConfig{Rows: 2, Columns: 2}

	bus := event.NewBus()
	rec := &event.Recorder{}
	bus.Subscribe(rec.Listen)

	result := NewExporter(s, cfg, Options{Bus: bus}).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, model.StatusFinished, result.Status)
	assert.Equal(t, 4, result.Tiles)
	require.Len(t, result.Outputs, 4)
	assert.Equal(t, int64(4), result.Totals.Objects["Building"])

	base := strings.TrimSuffix(cfg.Export.Output, ".city.json")
	assert.Contains(t, readAll(t, base+"_0_0.city.json"), "sw")
	assert.Contains(t, readAll(t, base+"_0_1.city.json"), "se")
	assert.Contains(t, readAll(t, base+"_1_0.city.json"), "nw")
	assert.Contains(t, readAll(t, base+"_1_1.city.json"), "ne")

	// sw and ne point at each other across tiles; only ghost stays dangling
	require.Len(t, result.Unresolved, 1)
	assert.Equal(t, "ghost", result.Unresolved[0].Target)
	assert.Equal(t, "1_0", result.Unresolved[0].Tile)

	assert.Len(t, rec.Events(event.Counters), 4)
	assert.NotEmpty(t, rec.Events(event.TilesRemaining))
	assert.Empty(t, cacheTables(t, s))
}

func TestExport_TiledTotalsMatchUntiled(t *testing.T) {
	s := testutil.NewStore(t, true)
	testutil.Persist(t, s, testutil.Building("inner", 5, 5))
	// center (10,10) sits on the corner shared by all four tiles
	testutil.Persist(t, s, testutil.Building("corner", 9.5, 9.5))
	// overlap the extent with their centers outside it
	testutil.Persist(t, s, testutil.Building("east", 19.75, 5))
	testutil.Persist(t, s, testutil.Building("west", -0.75, 12))
	testutil.Persist(t, s, testutil.Building("far", 50, 50))

	ids := func(paths []string) []string {
		var out []string
		for _, path := range paths {
			for id := range readAll(t, path) {
				out = append(out, id)
			}
		}
		return out
	}

	for _, tt := range []struct {
		mode string
		want []string
	}{
		{"overlaps", []string{"inner", "corner", "east", "west"}},
		{"within", []string{"inner", "corner"}},
	} {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Export.BBox = config.BBoxConfig{Bounds: []float64{0, 0, 20, 20}, Mode: tt.mode}
			untiled := NewExporter(s, cfg, Options{}).Run(context.Background())
			require.NoError(t, untiled.Err)

			cfg = testConfig(t)
			cfg.Export.BBox = config.BBoxConfig{Bounds: []float64{0, 0, 20, 20}, Mode: tt.mode}
			cfg.Export.Tiling = config.TilingConfig{Rows: 2, Columns: 2}
			tiled := NewExporter(s, cfg, Options{}).Run(context.Background())
			require.NoError(t, tiled.Err)
			require.Len(t, tiled.Outputs, 4)

			assert.Equal(t, int64(len(tt.want)), untiled.Totals.Objects["Building"])
			assert.Equal(t, untiled.Totals, tiled.Totals)
			assert.ElementsMatch(t, tt.want, ids(untiled.Outputs))
			assert.ElementsMatch(t, tt.want, ids(tiled.Outputs))
		})
	}
	assert.Empty(t, cacheTables(t, s))
}

func TestExport_Upload(t *testing.T) {
	s := testutil.NewStore(t, true)
	testutil.Persist(t, s, testutil.Building("a", 0, 0))
	cfg := testConfig(t)
	cfg.Export.Upload = true
	cfg.Storage.Prefix = "runs"

	bucket := t.TempDir()
	local, err := storage.NewLocalStorage(bucket)
	require.NoError(t, err)

	result := NewExporter(s, cfg, Options{Storage: local}).Run(context.Background())
	require.NoError(t, result.Err)
	assert.FileExists(t, filepath.Join(bucket, "runs", "city.city.json"))
}

func writeInput(t *testing.T, dir, name string, features ...*model.Feature) string {
	t.Helper()
	path := filepath.Join(dir, name)
	w, err := format.Create(path, format.Options{}, nil)
	require.NoError(t, err)
	for _, f := range features {
		require.NoError(t, w.Write(context.Background(), f))
	}
	require.NoError(t, w.Close())
	return path
}

func TestImport_ResolvesReferencesAndSkipsDuplicates(t *testing.T) {
	s := testutil.NewStore(t, false)
	existing := testutil.Persist(t, s, testutil.Building("old", 100, 100))

	dir := t.TempDir()
	first := writeInput(t, dir, "one.city.json",
		testutil.Building("a", 0, 0, "b", "old", "missing"),
		testutil.Group("grp", "a", "b"),
		testutil.Building("dup", 3, 3),
	)
	second := writeInput(t, dir, "two.city.jsonl",
		testutil.Building("b", 5, 5, "a"),
		testutil.Building("dup", 4, 4),
	)

	cfg := testConfig(t)
	cfg.Import.Inputs = []string{first, second}
	cfg.Import.Lineage = "batch-1"

	result := NewImporter(s, cfg, Options{}).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, model.StatusFinished, result.Status)
	assert.Equal(t, int64(3), result.Totals.Objects["Building"])
	assert.Equal(t, int64(1), result.Totals.Objects["CityObjectGroup"])
	assert.Equal(t, int64(1), result.Warnings)

	require.Len(t, result.Unresolved, 1)
	assert.Equal(t, "missing", result.Unresolved[0].Target)

	ids, err := s.ResolveExternalIDs(context.Background(), model.KindObject, []string{"a", "b", "grp", "dup"})
	require.NoError(t, err)
	require.Len(t, ids, 4)

	a, err := s.FetchFeature(context.Background(), ids["a"])
	require.NoError(t, err)
	assert.Equal(t, "batch-1", a.Lineage)
	targets := make(map[string]*model.Reference)
	for _, r := range a.References {
		targets[r.Target] = r
	}
	assert.True(t, targets["b"].Resolved)
	assert.Equal(t, ids["b"], targets["b"].TargetID)
	assert.True(t, targets["old"].Resolved)
	assert.Equal(t, existing.ID, targets["old"].TargetID)
	assert.False(t, targets["missing"].Resolved)

	grp, err := s.FetchFeature(context.Background(), ids["grp"])
	require.NoError(t, err)
	for _, r := range grp.References {
		assert.True(t, r.Resolved, r.Target)
	}
	assert.Empty(t, cacheTables(t, s))
}

func TestImport_ConcurrentSameID(t *testing.T) {
	s := testutil.NewStore(t, false)
	dir := t.TempDir()
	var inputs []string
	for i := 0; i < 4; i++ {
		inputs = append(inputs, writeInput(t, dir, fmt.Sprintf("in%d.city.jsonl", i),
			testutil.Building("shared", float64(i), 0)))
	}
	cfg := testConfig(t)
	cfg.Import.Inputs = inputs
	cfg.Resources.Workers = config.PoolSize{Core: 4, Max: 4}

	result := NewImporter(s, cfg, Options{}).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.Totals.Objects["Building"])
	assert.Equal(t, int64(3), result.Warnings)

	var n int64
	require.NoError(t, s.DB().Table("cityobject").Where("gmlid = ?", "shared").Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestImport_MissingInput(t *testing.T) {
	s := testutil.NewStore(t, false)
	cfg := testConfig(t)
	cfg.Import.Inputs = []string{filepath.Join(t.TempDir(), "nope.city.json")}

	result := NewImporter(s, cfg, Options{}).Run(context.Background())
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.True(t, apperrors.IsPreconditionError(result.Err))
	assert.Empty(t, cacheTables(t, s))
}

// cancellingImport cancels the run once a number of trees were persisted.
type cancellingImport struct {
	*store.GormStore
	after     int64
	persisted atomic.Int64
	cancel    context.CancelFunc
}

func (s *cancellingImport) PersistFeature(ctx context.Context, f *model.Feature) error {
	if s.persisted.Add(1) == s.after {
		s.cancel()
	}
	return s.GormStore.PersistFeature(ctx, f)
}

func TestImport_Cancelled(t *testing.T) {
	s := testutil.NewStore(t, false)
	var features []*model.Feature
	for i := 0; i < 30; i++ {
		features = append(features, testutil.Building(fmt.Sprintf("f-%d", i), float64(i), 0))
	}
	input := writeInput(t, t.TempDir(), "many.city.jsonl", features...)

	cfg := testConfig(t)
	cfg.Import.Inputs = []string{input}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs := &cancellingImport{GormStore: s, after: 3, cancel: cancel}

	result := NewImporter(cs, cfg, Options{}).Run(ctx)
	assert.Equal(t, model.StatusAborted, result.Status)
	assert.NoError(t, result.Err)
	assert.GreaterOrEqual(t, result.Totals.Objects["Building"], int64(3))
	assert.LessOrEqual(t, result.Totals.Objects["Building"], int64(30))
	assert.Empty(t, cacheTables(t, s))
}

func TestImport_StagesStorageInputs(t *testing.T) {
	s := testutil.NewStore(t, false)
	bucket := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(bucket, "incoming"), 0755))
	writeInput(t, filepath.Join(bucket, "incoming"), "remote.city.json", testutil.Building("r", 0, 0))
	local, err := storage.NewLocalStorage(bucket)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Import.Inputs = []string{storage.Scheme + "incoming/remote.city.json"}

	result := NewImporter(s, cfg, Options{Storage: local}).Run(context.Background())
	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.Totals.Objects["Building"])

	cfg.Import.Inputs = []string{storage.Scheme + "incoming/absent.city.json"}
	result = NewImporter(s, cfg, Options{Storage: local}).Run(context.Background())
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, apperrors.CodeDownloadError, apperrors.GetErrorCode(result.Err))
}
