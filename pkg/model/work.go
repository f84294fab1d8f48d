package model

import (
	"fmt"

	"github.com/paulmach/orb"
)

// IDKind distinguishes the identifier namespaces kept by the identifier cache.
type IDKind int

const (
	KindObject IDKind = iota
	KindGeometry
)

// String returns the string representation of IDKind.
func (k IDKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindGeometry:
		return "geometry"
	default:
		return "unknown"
	}
}

// WorkItem is one unit of work handed from a producer to a worker pool.
// Export items carry a primary key; import items carry the parsed feature.
type WorkItem struct {
	ClassID  int
	ID       int64
	Deferred bool
	Feature  *Feature
}

// Tile is one cell of the spatial grid. Inner edges are half-open
// [min, max). Edges on the border of the grid are unbounded, so every point
// of the plane, inside the extent or not, belongs to exactly one tile.
type Tile struct {
	Row         int
	Column      int
	Extent      orb.Bound
	SRS         string
	FirstRow    bool
	FirstColumn bool
	LastRow     bool
	LastColumn  bool
}

// Key returns a stable identifier for the tile.
func (t Tile) Key() string {
	return fmt.Sprintf("%d_%d", t.Row, t.Column)
}

// Contains reports whether p falls into the tile.
func (t Tile) Contains(p orb.Point) bool {
	if !t.FirstColumn && p[0] < t.Extent.Min[0] {
		return false
	}
	if !t.FirstRow && p[1] < t.Extent.Min[1] {
		return false
	}
	if !t.LastColumn && p[0] >= t.Extent.Max[0] {
		return false
	}
	if !t.LastRow && p[1] >= t.Extent.Max[1] {
		return false
	}
	return true
}

// ForwardReference records a reference a worker could not resolve inline.
// It is consumed exactly once by the resolver pass.
//
// SourceID is the row the resolver re-touches: the exported top-level
// feature on export, the object_reference row on import. RootGMLID names
// the top-level feature that owns the source.
type ForwardReference struct {
	ID          int64
	SourceID    int64
	SourceGMLID string
	RootGMLID   string
	Target      string
	TargetKind  IDKind
	Property    string
	Resolved    bool
}

// UnresolvedReference is reported once per dangling forward reference at
// run end.
type UnresolvedReference struct {
	Source   string `json:"source"`
	Property string `json:"property"`
	Target   string `json:"target"`
	Kind     IDKind `json:"kind"`
	Tile     string `json:"tile,omitempty"`
}
