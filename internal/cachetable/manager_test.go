package cachetable

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/citymodel-pipeline/internal/idcache"
	"github.com/citymodel-pipeline/pkg/model"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cache.sqlite")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestManager_TableNames(t *testing.T) {
	runID := ulid.Make().String()
	m := NewManager(setupTestDB(t), runID, nil)

	name := m.TableName(KindObjectIDs)
	assert.Equal(t, "tmp_objid_"+strings.ToLower(runID), name)
	assert.NotEqual(t, name, NewManager(nil, ulid.Make().String(), nil).TableName(KindObjectIDs))
}

func TestManager_CreateAndDropAll(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := NewManager(db, "RUN1", nil)

	objTable, err := m.IDTable(ctx, KindObjectIDs)
	require.NoError(t, err)
	_, err = m.IDTable(ctx, KindGeometryIDs)
	require.NoError(t, err)
	refs, err := m.RefTable(ctx)
	require.NoError(t, err)

	again, err := m.IDTable(ctx, KindObjectIDs)
	require.NoError(t, err)
	assert.Equal(t, objTable.Name(), again.Name())

	assert.Equal(t, []string{"tmp_geomid_run1", "tmp_objid_run1", "tmp_xlink_run1"}, m.Tables())
	assert.True(t, db.Migrator().HasTable(refs.Name()))

	require.NoError(t, m.DropAll(ctx))
	for _, name := range []string{"tmp_geomid_run1", "tmp_objid_run1", "tmp_xlink_run1"} {
		assert.False(t, db.Migrator().HasTable(name), name)
	}
	assert.Empty(t, m.Tables())

	// Idempotent, and no new tables after the drop.
	require.NoError(t, m.DropAll(ctx))
	_, err = m.RefTable(ctx)
	assert.ErrorIs(t, err, ErrDropped)
}

func TestManager_DropAllWithNothingCreated(t *testing.T) {
	m := NewManager(setupTestDB(t), "EMPTY", nil)
	assert.NoError(t, m.DropAll(context.Background()))
}

func TestIDTable_PageOutAndLookup(t *testing.T) {
	ctx := context.Background()
	m := NewManager(setupTestDB(t), "IDS", nil)
	table, err := m.IDTable(ctx, KindObjectIDs)
	require.NoError(t, err)

	require.NoError(t, table.PageOut(ctx, []idcache.Entry{
		{ExternalID: "A", ID: 1},
		{ExternalID: "B", ID: 2},
	}))
	// First writer wins on conflict.
	require.NoError(t, table.PageOut(ctx, []idcache.Entry{{ExternalID: "A", ID: 99}}))
	require.NoError(t, table.PageOut(ctx, nil))

	id, ok, err := table.Lookup(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)

	_, ok, err = table.Lookup(ctx, "C")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := table.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIDTable_Remove(t *testing.T) {
	ctx := context.Background()
	m := NewManager(setupTestDB(t), "RM", nil)
	table, err := m.IDTable(ctx, KindGeometryIDs)
	require.NoError(t, err)
	require.NoError(t, table.PageOut(ctx, []idcache.Entry{{ExternalID: "A", ID: 1}}))

	removed, err := table.Remove(ctx, "A", 2)
	require.NoError(t, err)
	assert.False(t, removed, "a remapped id stays")

	removed, err = table.Remove(ctx, "A", 1)
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok, err := table.Lookup(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err = table.Remove(ctx, "A", 1)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRefTable_RecordPageResolve(t *testing.T) {
	ctx := context.Background()
	m := NewManager(setupTestDB(t), "REFS", nil)
	table, err := m.RefTable(ctx)
	require.NoError(t, err)

	var recorded []*model.ForwardReference
	for i, target := range []string{"B", "C", "D"} {
		ref := &model.ForwardReference{
			SourceID: int64(i + 1), SourceGMLID: "A", Target: target,
			TargetKind: model.KindObject, Property: "relatedTo",
		}
		require.NoError(t, table.Record(ctx, ref))
		require.NotZero(t, ref.ID)
		recorded = append(recorded, ref)
	}

	page, err := table.Page(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "B", page[0].Target)
	assert.Equal(t, model.KindObject, page[0].TargetKind)

	page, err = table.Page(ctx, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "D", page[0].Target)

	require.NoError(t, table.MarkResolved(ctx, recorded[0].ID))
	require.NoError(t, table.MarkResolved(ctx, recorded[2].ID))

	pending, err := table.Unresolved(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "C", pending[0].Target)

	n, err := table.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
