package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/citymodel-pipeline/pkg/model"
)

const resolveChunkSize = 500

func tableFor(kind model.IDKind) string {
	if kind == model.KindGeometry {
		return SurfaceGeometry{}.TableName()
	}
	return CityObject{}.TableName()
}

// AllocateID hands out the next internal id for kind. The first call per
// kind seeds the sequence from the highest persisted id. It must not be
// called while the caller holds a transaction.
func (s *GormStore) AllocateID(ctx context.Context, kind model.IDKind) (int64, error) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	next, ok := s.next[kind]
	if !ok {
		var max int64
		err := s.db.WithContext(ctx).
			Table(tableFor(kind)).
			Select("COALESCE(MAX(id), 0)").
			Row().
			Scan(&max)
		if err != nil {
			return 0, fmt.Errorf("failed to seed %s ids: %w", kind, err)
		}
		next = max
	}
	next++
	s.next[kind] = next
	return next, nil
}

type referenceRow struct {
	ref *model.Reference
	row ObjectReference
}

// PersistFeature writes the feature tree in one transaction. Every feature
// and geometry must already carry its internal id.
func (s *GormStore) PersistFeature(ctx context.Context, f *model.Feature) error {
	var (
		objects []CityObject
		geoms   []SurfaceGeometry
		refs    []referenceRow
	)

	var collect func(sub *model.Feature, parent *int64) error
	collect = func(sub *model.Feature, parent *int64) error {
		if sub.ID == 0 {
			return fmt.Errorf("feature %s has no id", sub.GMLID)
		}
		objects = append(objects, newCityObject(sub, parent))
		for i, g := range sub.Geometries {
			if g.ID == 0 {
				return fmt.Errorf("geometry %d of %s has no id", i, sub.GMLID)
			}
			row, err := newSurfaceGeometry(g, sub.ID, i)
			if err != nil {
				return fmt.Errorf("failed to encode geometry of %s: %w", sub.GMLID, err)
			}
			geoms = append(geoms, row)
		}
		for _, ref := range sub.References {
			row := ObjectReference{
				CityObjectID: sub.ID,
				Property:     ref.Property,
				TargetGMLID:  ref.Target,
				TargetKind:   int(ref.Kind),
			}
			if ref.Resolved {
				target := ref.TargetID
				row.TargetID = &target
			}
			refs = append(refs, referenceRow{ref: ref, row: row})
		}
		id := sub.ID
		for _, child := range sub.Children {
			if err := collect(child, &id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := collect(f, nil); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(objects, 100).Error; err != nil {
			return fmt.Errorf("failed to insert city objects of %s: %w", f.GMLID, err)
		}
		if len(geoms) > 0 {
			if err := tx.CreateInBatches(geoms, 100).Error; err != nil {
				return fmt.Errorf("failed to insert geometries of %s: %w", f.GMLID, err)
			}
		}
		for i := range refs {
			if err := tx.Create(&refs[i].row).Error; err != nil {
				return fmt.Errorf("failed to insert reference of %s: %w", f.GMLID, err)
			}
			refs[i].ref.ID = refs[i].row.ID
		}
		return nil
	})
}

// UpdateReference stores the resolved target of a persisted reference.
func (s *GormStore) UpdateReference(ctx context.Context, refID, targetID int64) error {
	result := s.db.WithContext(ctx).
		Model(&ObjectReference{}).
		Where("id = ?", refID).
		Update("target_id", targetID)
	if result.Error != nil {
		return fmt.Errorf("failed to update reference %d: %w", refID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("reference %d: %w", refID, ErrNotFound)
	}
	return nil
}

type resolvedID struct {
	GMLID string `gorm:"column:gmlid"`
	ID    int64  `gorm:"column:id"`
}

// ResolveExternalIDs returns the internal ids of persisted rows for the
// given external ids. Ids without a row are absent from the result. When
// several versions share an external id the newest row wins.
func (s *GormStore) ResolveExternalIDs(ctx context.Context, kind model.IDKind, extIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(extIDs))
	for start := 0; start < len(extIDs); start += resolveChunkSize {
		end := min(start+resolveChunkSize, len(extIDs))

		var rows []resolvedID
		err := s.db.WithContext(ctx).
			Table(tableFor(kind)).
			Select("gmlid, MAX(id) AS id").
			Where("gmlid IN ?", extIDs[start:end]).
			Group("gmlid").
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s ids: %w", kind, err)
		}
		for _, r := range rows {
			out[r.GMLID] = r.ID
		}
	}
	return out, nil
}
