// Package model defines the core data structures shared by the export and
// import pipelines.
package model

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

// GeometryType names the geometric primitive stored in a Geometry.
type GeometryType string

const (
	GeometryMultiSurface     GeometryType = "MultiSurface"
	GeometryCompositeSurface GeometryType = "CompositeSurface"
	GeometrySolid            GeometryType = "Solid"
	GeometryMultiCurve       GeometryType = "MultiCurve"
	GeometryMultiPoint       GeometryType = "MultiPoint"
)

// Relation describes how a geometry is attached to its owning feature.
// It drives the cross-LOD tie-break when a shared geometry must be
// re-homed after level-of-detail filtering.
type Relation string

const (
	RelationGeneric         Relation = "generic"
	RelationBoundarySurface Relation = "boundarySurface"
	RelationOpening         Relation = "opening"
	RelationTrafficArea     Relation = "trafficArea"
	RelationSolid           Relation = "solid"
	RelationTerrain         Relation = "terrain"
)

// Point3 is a 3D coordinate.
type Point3 [3]float64

// Ring is a closed linear ring, or an open line for curve geometries.
type Ring []Point3

// Polygon is an exterior ring followed by zero or more interior rings.
type Polygon []Ring

// Geometry is one geometric representation of a feature at a level of detail.
// A geometry with a non-empty Href carries no coordinates; it points to
// another geometry by external identifier.
type Geometry struct {
	ID       int64        `json:"-"`
	GMLID    string       `json:"id,omitempty"`
	Type     GeometryType `json:"type"`
	LOD      int          `json:"lod"`
	Property string       `json:"property"`
	Relation Relation     `json:"relation,omitempty"`
	Href     string       `json:"href,omitempty"`
	Polygons []Polygon    `json:"polygons,omitempty"`
}

// IsLink reports whether the geometry only references another geometry.
func (g *Geometry) IsLink() bool {
	return g.Href != ""
}

// Reference is a by-reference pointer from a feature property to another
// feature or geometry, identified by its external id.
type Reference struct {
	ID       int64  `json:"-"`
	Property string `json:"property"`
	Target   string `json:"target"`
	Kind     IDKind `json:"kind"`
	TargetID int64  `json:"-"`
	Resolved bool   `json:"resolved"`
	// Href is the pointer written for a resolved reference.
	Href string `json:"href,omitempty"`
}

// Envelope is an axis-aligned 3D bounding box.
type Envelope struct {
	Min Point3 `json:"min"`
	Max Point3 `json:"max"`
}

// EmptyEnvelope returns an envelope that extends to the first point added.
func EmptyEnvelope() Envelope {
	return Envelope{
		Min: Point3{math.Inf(1), math.Inf(1), math.Inf(1)},
		Max: Point3{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
}

// IsEmpty reports whether no point has been added.
func (e Envelope) IsEmpty() bool {
	return e.Min[0] > e.Max[0]
}

// Extend grows the envelope to include p.
func (e *Envelope) Extend(p Point3) {
	for i := 0; i < 3; i++ {
		e.Min[i] = math.Min(e.Min[i], p[i])
		e.Max[i] = math.Max(e.Max[i], p[i])
	}
}

// Bound returns the 2D footprint of the envelope.
func (e Envelope) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{e.Min[0], e.Min[1]},
		Max: orb.Point{e.Max[0], e.Max[1]},
	}
}

// Center returns the 2D center of the envelope.
func (e Envelope) Center() orb.Point {
	return e.Bound().Center()
}

// Feature is a city object with its full object graph: geometries at all
// levels of detail, nested features and outgoing references.
type Feature struct {
	ID              int64                  `json:"-"`
	GMLID           string                 `json:"id"`
	Class           string                 `json:"type"`
	ClassID         int                    `json:"-"`
	Lineage         string                 `json:"lineage,omitempty"`
	CreationDate    *time.Time             `json:"creationDate,omitempty"`
	TerminationDate *time.Time             `json:"terminationDate,omitempty"`
	Attributes      map[string]interface{} `json:"attributes,omitempty"`
	Envelope        Envelope               `json:"-"`
	Geometries      []*Geometry            `json:"geometry,omitempty"`
	Children        []*Feature             `json:"children,omitempty"`
	References      []*Reference           `json:"references,omitempty"`
}

// Walk visits f and all nested features depth-first in discovery order.
func (f *Feature) Walk(fn func(*Feature)) {
	fn(f)
	for _, child := range f.Children {
		child.Walk(fn)
	}
}

// ComputeEnvelope derives the envelope from all inline geometries of the
// feature tree.
func (f *Feature) ComputeEnvelope() Envelope {
	env := EmptyEnvelope()
	f.Walk(func(sub *Feature) {
		for _, g := range sub.Geometries {
			for _, poly := range g.Polygons {
				for _, ring := range poly {
					for _, p := range ring {
						env.Extend(p)
					}
				}
			}
		}
	})
	return env
}

// CountGeometries returns the number of inline geometries per type across
// the feature tree.
func (f *Feature) CountGeometries() map[string]int64 {
	counts := make(map[string]int64)
	f.Walk(func(sub *Feature) {
		for _, g := range sub.Geometries {
			if !g.IsLink() {
				counts[string(g.Type)]++
			}
		}
	})
	return counts
}
