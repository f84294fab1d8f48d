package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/citymodel-pipeline/pkg/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// FetchFeature loads the feature with the given id together with its
// nested features, geometries at every level of detail and references.
func (s *GormStore) FetchFeature(ctx context.Context, id int64) (*model.Feature, error) {
	db := s.db.WithContext(ctx)

	var root CityObject
	if err := db.Where("id = ?", id).First(&root).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("city object %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get city object %d: %w", id, err)
	}

	feature := root.ToModel(s.registry)
	byID := map[int64]*model.Feature{root.ID: feature}
	ids := []int64{root.ID}

	// Nested features, one level at a time.
	frontier := []int64{root.ID}
	for len(frontier) > 0 {
		var children []CityObject
		if err := db.Where("parent_id IN ?", frontier).Order("id").Find(&children).Error; err != nil {
			return nil, fmt.Errorf("failed to get children of %d: %w", id, err)
		}
		frontier = frontier[:0]
		for i := range children {
			child := children[i].ToModel(s.registry)
			parent := byID[*children[i].ParentID]
			parent.Children = append(parent.Children, child)
			byID[child.ID] = child
			ids = append(ids, child.ID)
			frontier = append(frontier, child.ID)
		}
	}

	var geoms []SurfaceGeometry
	if err := db.Where("cityobject_id IN ?", ids).Order("cityobject_id, ordinal").Find(&geoms).Error; err != nil {
		return nil, fmt.Errorf("failed to get geometries of %d: %w", id, err)
	}
	for i := range geoms {
		g, err := geoms[i].ToModel()
		if err != nil {
			return nil, fmt.Errorf("failed to decode geometry %d: %w", geoms[i].ID, err)
		}
		owner := byID[geoms[i].CityObjectID]
		owner.Geometries = append(owner.Geometries, g)
	}

	var refs []ObjectReference
	if err := db.Where("cityobject_id IN ?", ids).Order("id").Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("failed to get references of %d: %w", id, err)
	}
	for i := range refs {
		owner := byID[refs[i].CityObjectID]
		owner.References = append(owner.References, refs[i].ToModel())
	}

	return feature, nil
}
