package model

import (
	"sort"
	"time"
)

// Counters accumulates object and geometry counts keyed by type name.
// A Counters value is not safe for concurrent use; workers keep their own
// and merge at join points.
type Counters struct {
	Objects    map[string]int64 `json:"objects"`
	Geometries map[string]int64 `json:"geometries"`
}

// NewCounters creates empty counters.
func NewCounters() Counters {
	return Counters{
		Objects:    make(map[string]int64),
		Geometries: make(map[string]int64),
	}
}

// AddObject increments the object counter for typeName.
func (c *Counters) AddObject(typeName string, n int64) {
	if c.Objects == nil {
		c.Objects = make(map[string]int64)
	}
	c.Objects[typeName] += n
}

// AddGeometry increments the geometry counter for typeName.
func (c *Counters) AddGeometry(typeName string, n int64) {
	if c.Geometries == nil {
		c.Geometries = make(map[string]int64)
	}
	c.Geometries[typeName] += n
}

// Merge folds other into c.
func (c *Counters) Merge(other Counters) {
	for k, v := range other.Objects {
		c.AddObject(k, v)
	}
	for k, v := range other.Geometries {
		c.AddGeometry(k, v)
	}
}

// Clone returns a deep copy.
func (c Counters) Clone() Counters {
	out := NewCounters()
	out.Merge(c)
	return out
}

// TotalObjects returns the sum of all object counters.
func (c Counters) TotalObjects() int64 {
	var total int64
	for _, v := range c.Objects {
		total += v
	}
	return total
}

// TotalGeometries returns the sum of all geometry counters.
func (c Counters) TotalGeometries() int64 {
	var total int64
	for _, v := range c.Geometries {
		total += v
	}
	return total
}

// IsZero reports whether nothing was counted.
func (c Counters) IsZero() bool {
	return c.TotalObjects() == 0 && c.TotalGeometries() == 0
}

// ObjectTypes returns the counted object types in sorted order.
func (c Counters) ObjectTypes() []string {
	keys := make([]string, 0, len(c.Objects))
	for k := range c.Objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Status is the terminal state of a run.
type Status string

const (
	StatusFinished Status = "finished"
	StatusAborted  Status = "aborted"
	StatusFailed   Status = "failed"
)

// TileResult summarizes one pipeline instance.
type TileResult struct {
	Tile       *Tile                 `json:"tile,omitempty"`
	OutputPath string                `json:"output_path,omitempty"`
	Counters   Counters              `json:"counters"`
	Warnings   int64                 `json:"warnings"`
	Pending    []UnresolvedReference `json:"-"`
	Aborted    bool                  `json:"aborted"`
	Err        error                 `json:"-"`
}

// RunResult is what a caller receives after an export or import run.
type RunResult struct {
	Status     Status                `json:"status"`
	Err        error                 `json:"-"`
	Warnings   int64                 `json:"warnings"`
	Totals     Counters              `json:"totals"`
	Tiles      int                   `json:"tiles"`
	Outputs    []string              `json:"outputs,omitempty"`
	Unresolved []UnresolvedReference `json:"unresolved,omitempty"`
	Duration   time.Duration         `json:"duration"`
}

// Success reports whether the run finished without error or cancellation.
func (r *RunResult) Success() bool {
	return r.Status == StatusFinished
}
