package transform

import (
	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/pkg/model"
)

// LODStats reports what a level-of-detail filter changed.
type LODStats struct {
	Removed  int
	Rehomed  int
	Retained int
}

type ownedGeometry struct {
	owner *model.Feature
	geom  *model.Geometry
}

// FilterLOD keeps only geometries of the given level of detail in the
// feature tree. A negative lod keeps everything.
//
// A removed geometry may still be referenced by links of the retained
// level. Such a geometry is re-homed into exactly one of the linking
// geometries, which takes over its id and coordinates; the other links keep
// pointing at it. The claimant is the first link whose relation matches
// the preferred relation of the owning class, or the first discovered link
// when none matches.
func FilterLOD(f *model.Feature, lod int, registry *schema.Registry) LODStats {
	var stats LODStats
	if lod < 0 {
		f.Walk(func(sub *model.Feature) { stats.Retained += len(sub.Geometries) })
		return stats
	}
	if registry == nil {
		registry = schema.Default()
	}

	removed := make(map[string]*model.Geometry)
	f.Walk(func(sub *model.Feature) {
		for _, g := range sub.Geometries {
			if g.LOD != lod && !g.IsLink() && g.GMLID != "" {
				removed[g.GMLID] = g
			}
		}
	})

	var order []string
	claims := make(map[string][]ownedGeometry)
	f.Walk(func(sub *model.Feature) {
		kept := sub.Geometries[:0]
		for _, g := range sub.Geometries {
			if g.LOD != lod {
				stats.Removed++
				continue
			}
			kept = append(kept, g)
			if g.IsLink() {
				if _, ok := removed[g.Href]; ok {
					if _, seen := claims[g.Href]; !seen {
						order = append(order, g.Href)
					}
					claims[g.Href] = append(claims[g.Href], ownedGeometry{owner: sub, geom: g})
				}
			}
		}
		for i := len(kept); i < len(sub.Geometries); i++ {
			sub.Geometries[i] = nil
		}
		sub.Geometries = kept
		stats.Retained += len(kept)
	})

	for _, target := range order {
		winner := pickClaimant(claims[target], f, registry)
		src := removed[target]
		winner.ID = src.ID
		winner.GMLID = src.GMLID
		winner.Href = ""
		winner.Polygons = src.Polygons
		if winner.Type == "" {
			winner.Type = src.Type
		}
		stats.Rehomed++
	}
	return stats
}

func pickClaimant(candidates []ownedGeometry, root *model.Feature, registry *schema.Registry) *model.Geometry {
	for _, c := range candidates {
		preferred := registry.Preferred(c.owner.ClassID)
		if preferred == "" {
			preferred = registry.Preferred(root.ClassID)
		}
		if preferred != "" && c.geom.Relation == preferred {
			return c.geom
		}
	}
	return candidates[0].geom
}
