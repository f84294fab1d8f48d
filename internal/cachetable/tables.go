package cachetable

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/citymodel-pipeline/internal/idcache"
	"github.com/citymodel-pipeline/pkg/model"
)

type idRow struct {
	ExternalID string `gorm:"column:gmlid;type:varchar(256);primaryKey"`
	ID         int64  `gorm:"column:id"`
}

type refRow struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SourceID    int64  `gorm:"column:source_id"`
	SourceGMLID string `gorm:"column:source_gmlid;type:varchar(256)"`
	RootGMLID   string `gorm:"column:root_gmlid;type:varchar(256)"`
	Target      string `gorm:"column:target;type:varchar(256)"`
	TargetKind  int    `gorm:"column:target_kind"`
	Property    string `gorm:"column:property;type:varchar(64)"`
	Resolved    bool   `gorm:"column:resolved"`
}

func (r *refRow) toModel() model.ForwardReference {
	return model.ForwardReference{
		ID:          r.ID,
		SourceID:    r.SourceID,
		SourceGMLID: r.SourceGMLID,
		RootGMLID:   r.RootGMLID,
		Target:      r.Target,
		TargetKind:  model.IDKind(r.TargetKind),
		Property:    r.Property,
		Resolved:    r.Resolved,
	}
}

// IDTable is the overflow storage of an identifier cache.
type IDTable struct {
	db   *gorm.DB
	name string
}

var _ idcache.Overflow = (*IDTable)(nil)

// Name returns the table name.
func (t *IDTable) Name() string {
	return t.name
}

// PageOut implements idcache.Overflow. Entries already present are kept.
func (t *IDTable) PageOut(ctx context.Context, entries []idcache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]idRow, len(entries))
	for i, e := range entries {
		rows[i] = idRow{ExternalID: e.ExternalID, ID: e.ID}
	}
	err := t.db.WithContext(ctx).
		Table(t.name).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200).Error
	if err != nil {
		return fmt.Errorf("failed to page out to %s: %w", t.name, err)
	}
	return nil
}

// Lookup implements idcache.Overflow.
func (t *IDTable) Lookup(ctx context.Context, externalID string) (int64, bool, error) {
	var row idRow
	err := t.db.WithContext(ctx).Table(t.name).Where("gmlid = ?", externalID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up %s in %s: %w", externalID, t.name, err)
	}
	return row.ID, true, nil
}

// Remove implements idcache.Overflow.
func (t *IDTable) Remove(ctx context.Context, externalID string, id int64) (bool, error) {
	res := t.db.WithContext(ctx).Table(t.name).Where("gmlid = ? AND id = ?", externalID, id).Delete(&idRow{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to remove %s from %s: %w", externalID, t.name, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Count returns the number of paged-out entries.
func (t *IDTable) Count(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).Table(t.name).Count(&n).Error
	return n, err
}

// RefTable stores forward references until the resolver pass.
type RefTable struct {
	db   *gorm.DB
	name string
}

// Name returns the table name.
func (t *RefTable) Name() string {
	return t.name
}

// Record appends a forward reference and sets its id.
func (t *RefTable) Record(ctx context.Context, ref *model.ForwardReference) error {
	row := refRow{
		SourceID:    ref.SourceID,
		SourceGMLID: ref.SourceGMLID,
		RootGMLID:   ref.RootGMLID,
		Target:      ref.Target,
		TargetKind:  int(ref.TargetKind),
		Property:    ref.Property,
	}
	if err := t.db.WithContext(ctx).Table(t.name).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record forward reference to %s: %w", ref.Target, err)
	}
	ref.ID = row.ID
	return nil
}

// Page returns up to limit references with id greater than afterID.
func (t *RefTable) Page(ctx context.Context, afterID int64, limit int) ([]model.ForwardReference, error) {
	return t.page(ctx, afterID, limit, false)
}

// Unresolved returns up to limit unresolved references with id greater
// than afterID.
func (t *RefTable) Unresolved(ctx context.Context, afterID int64, limit int) ([]model.ForwardReference, error) {
	return t.page(ctx, afterID, limit, true)
}

func (t *RefTable) page(ctx context.Context, afterID int64, limit int, onlyUnresolved bool) ([]model.ForwardReference, error) {
	q := t.db.WithContext(ctx).Table(t.name).Where("id > ?", afterID)
	if onlyUnresolved {
		q = q.Where("resolved = ?", false)
	}
	var rows []refRow
	if err := q.Order("id").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to page %s: %w", t.name, err)
	}
	refs := make([]model.ForwardReference, len(rows))
	for i := range rows {
		refs[i] = rows[i].toModel()
	}
	return refs, nil
}

// MarkResolved flags a reference as resolved.
func (t *RefTable) MarkResolved(ctx context.Context, id int64) error {
	err := t.db.WithContext(ctx).Table(t.name).Where("id = ?", id).Update("resolved", true).Error
	if err != nil {
		return fmt.Errorf("failed to mark reference %d resolved: %w", id, err)
	}
	return nil
}

// Count returns the number of recorded references.
func (t *RefTable) Count(ctx context.Context) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).Table(t.name).Count(&n).Error
	return n, err
}
