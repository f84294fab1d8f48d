// Package testutil provides city model fixtures and database helpers for
// tests.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/pkg/model"
)

// Square returns a closed square ring at height z.
func Square(x, y, size, z float64) model.Polygon {
	return model.Polygon{model.Ring{
		{x, y, z}, {x + size, y, z}, {x + size, y + size, z}, {x, y + size, z}, {x, y, z},
	}}
}

// Building returns a parsed building at (x, y) with a wall surface and an
// LOD1 solid. Each target becomes an object reference of the building.
func Building(gmlid string, x, y float64, targets ...string) *model.Feature {
	wall := &model.Feature{
		GMLID: gmlid + "_wall", Class: "WallSurface", ClassID: schema.ClassWallSurface,
		Geometries: []*model.Geometry{{
			GMLID: gmlid + "_wall_geom", Type: model.GeometryMultiSurface, LOD: 2,
			Property: "lod2MultiSurface", Relation: model.RelationBoundarySurface,
			Polygons: []model.Polygon{Square(x, y, 1, 0)},
		}},
	}
	f := &model.Feature{
		GMLID: gmlid, Class: "Building", ClassID: schema.ClassBuilding,
		Attributes: map[string]interface{}{"height": 10.0},
		Geometries: []*model.Geometry{{
			GMLID: gmlid + "_solid", Type: model.GeometrySolid, LOD: 1,
			Property: "lod1Solid", Relation: model.RelationSolid,
			Polygons: []model.Polygon{Square(x, y, 1, 0), Square(x, y, 1, 10)},
		}},
		Children: []*model.Feature{wall},
	}
	for _, target := range targets {
		f.References = append(f.References, &model.Reference{Property: "relatedTo", Target: target, Kind: model.KindObject})
	}
	f.Walk(func(sub *model.Feature) { sub.Envelope = sub.ComputeEnvelope() })
	return f
}

// Group returns a parsed object group whose members are the given ids.
func Group(gmlid string, members ...string) *model.Feature {
	f := &model.Feature{GMLID: gmlid, Class: "CityObjectGroup", ClassID: schema.ClassCityObjectGroup}
	for _, m := range members {
		f.References = append(f.References, &model.Reference{Property: "groupMember", Target: m, Kind: model.KindObject})
	}
	return f
}

// IDAllocator is the part of a store that hands out internal ids.
type IDAllocator interface {
	AllocateID(ctx context.Context, kind model.IDKind) (int64, error)
	PersistFeature(ctx context.Context, f *model.Feature) error
}

// Persist assigns ids to the feature tree and stores it. References whose
// target is already persisted are left unresolved.
func Persist(t *testing.T, s IDAllocator, f *model.Feature) *model.Feature {
	t.Helper()
	ctx := context.Background()
	alloc := func(kind model.IDKind) int64 {
		id, err := s.AllocateID(ctx, kind)
		require.NoError(t, err)
		return id
	}
	f.Walk(func(sub *model.Feature) {
		sub.ID = alloc(model.KindObject)
		for _, g := range sub.Geometries {
			g.ID = alloc(model.KindGeometry)
		}
	})
	require.NoError(t, s.PersistFeature(ctx, f))
	return f
}
