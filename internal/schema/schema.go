// Package schema holds the registry of city object classes: the class
// hierarchy used to resolve type filters and the per-class relation rules
// used when shared geometries have to be re-homed.
package schema

import (
	"sort"
	"strings"

	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
)

// Class describes one object class of the city model.
type Class struct {
	ID       int
	Name     string
	Parent   int
	Abstract bool
	// TopLevel classes are exported and imported as independent features.
	TopLevel bool
	// Group classes reference other top-level features as members and are
	// processed after them.
	Group bool
	// Preferred is the relation that wins when several remaining
	// geometries claim a shared geometry. Empty means discovery order.
	Preferred model.Relation
}

// Registry is an immutable class hierarchy.
type Registry struct {
	byID   map[int]Class
	byName map[string]Class
}

// NewRegistry builds a registry and inherits Preferred relations down the
// hierarchy where a class does not set its own.
func NewRegistry(classes []Class) *Registry {
	r := &Registry{
		byID:   make(map[int]Class, len(classes)),
		byName: make(map[string]Class, len(classes)),
	}
	for _, c := range classes {
		r.byID[c.ID] = c
	}
	for id, c := range r.byID {
		if c.Preferred == "" {
			c.Preferred = r.inheritedRelation(c.Parent)
			r.byID[id] = c
		}
	}
	for _, c := range r.byID {
		r.byName[strings.ToLower(c.Name)] = c
	}
	return r
}

func (r *Registry) inheritedRelation(id int) model.Relation {
	for id != 0 {
		c, ok := r.byID[id]
		if !ok {
			return ""
		}
		if c.Preferred != "" {
			return c.Preferred
		}
		id = c.Parent
	}
	return ""
}

// ByID returns the class with the given id.
func (r *Registry) ByID(id int) (Class, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// ByName returns the class with the given name, case-insensitively.
func (r *Registry) ByName(name string) (Class, bool) {
	c, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// IsSubclassOf reports whether id equals ancestor or descends from it.
func (r *Registry) IsSubclassOf(id, ancestor int) bool {
	for id != 0 {
		if id == ancestor {
			return true
		}
		c, ok := r.byID[id]
		if !ok {
			return false
		}
		id = c.Parent
	}
	return false
}

// Resolve maps requested type names to the concrete top-level classes they
// cover, ordered by id. An abstract name selects all of its concrete
// descendants. No names selects every concrete top-level class.
func (r *Registry) Resolve(names []string) ([]Class, error) {
	selected := make(map[int]Class)

	if len(names) == 0 {
		for _, c := range r.byID {
			if c.TopLevel && !c.Abstract {
				selected[c.ID] = c
			}
		}
	}

	for _, name := range names {
		requested, ok := r.ByName(name)
		if !ok {
			return nil, apperrors.Newf(apperrors.CodeInvalidInput, "unknown feature type %q", name)
		}
		for _, c := range r.byID {
			if c.TopLevel && !c.Abstract && r.IsSubclassOf(c.ID, requested.ID) {
				selected[c.ID] = c
			}
		}
	}

	if len(selected) == 0 {
		return nil, apperrors.Newf(apperrors.CodePrecondition,
			"feature types %v do not select any top-level class", names)
	}

	out := make([]Class, 0, len(selected))
	for _, c := range selected {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IDs returns the ids of classes in order.
func IDs(classes []Class) []int {
	ids := make([]int, len(classes))
	for i, c := range classes {
		ids[i] = c.ID
	}
	return ids
}

// Preferred returns the relation that wins a shared-geometry tie for the
// given class, or "" when discovery order decides.
func (r *Registry) Preferred(classID int) model.Relation {
	c, ok := r.byID[classID]
	if !ok {
		return ""
	}
	return c.Preferred
}
