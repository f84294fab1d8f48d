package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/pkg/model"
)

// SpatialIndexName is the envelope index required by spatial predicates.
const SpatialIndexName = "idx_cityobject_envelope"

// CityObject represents the cityobject table. Nested features point to
// their parent through ParentID; top-level features have none.
type CityObject struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	ObjectClassID   int        `gorm:"column:objectclass_id;index"`
	GMLID           string     `gorm:"column:gmlid;type:varchar(256);index"`
	ParentID        *int64     `gorm:"column:parent_id;index"`
	EnvXMin         float64    `gorm:"column:env_xmin;index:idx_cityobject_envelope,priority:1"`
	EnvYMin         float64    `gorm:"column:env_ymin;index:idx_cityobject_envelope,priority:2"`
	EnvXMax         float64    `gorm:"column:env_xmax;index:idx_cityobject_envelope,priority:3"`
	EnvYMax         float64    `gorm:"column:env_ymax;index:idx_cityobject_envelope,priority:4"`
	EnvZMin         float64    `gorm:"column:env_zmin"`
	EnvZMax         float64    `gorm:"column:env_zmax"`
	Lineage         string     `gorm:"column:lineage;type:varchar(256)"`
	CreationDate    *time.Time `gorm:"column:creation_date"`
	TerminationDate *time.Time `gorm:"column:termination_date"`
	Attributes      JSONField  `gorm:"column:attributes;type:json"`
}

// TableName returns the table name for CityObject.
func (CityObject) TableName() string {
	return "cityobject"
}

// SurfaceGeometry represents the surface_geometry table. A row with Href
// set is a link to another geometry and stores no coordinates.
type SurfaceGeometry struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	GMLID        string    `gorm:"column:gmlid;type:varchar(256);index"`
	CityObjectID int64     `gorm:"column:cityobject_id;index"`
	Ordinal      int       `gorm:"column:ordinal"`
	Type         string    `gorm:"column:geometry_type;type:varchar(32)"`
	LOD          int       `gorm:"column:lod"`
	Property     string    `gorm:"column:property;type:varchar(64)"`
	Relation     string    `gorm:"column:relation;type:varchar(32)"`
	Href         string    `gorm:"column:href;type:varchar(256)"`
	Geometry     JSONField `gorm:"column:geometry;type:json"`
}

// TableName returns the table name for SurfaceGeometry.
func (SurfaceGeometry) TableName() string {
	return "surface_geometry"
}

// ObjectReference represents the object_reference table: a by-reference
// property whose target is identified by external id. TargetID stays NULL
// until the reference is resolved.
type ObjectReference struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CityObjectID int64  `gorm:"column:cityobject_id;index"`
	Property     string `gorm:"column:property;type:varchar(64)"`
	TargetGMLID  string `gorm:"column:target_gmlid;type:varchar(256)"`
	TargetKind   int    `gorm:"column:target_kind"`
	TargetID     *int64 `gorm:"column:target_id"`
}

// TableName returns the table name for ObjectReference.
func (ObjectReference) TableName() string {
	return "object_reference"
}

// AllModels lists the persistent tables in creation order.
func AllModels() []interface{} {
	return []interface{}{&CityObject{}, &SurfaceGeometry{}, &ObjectReference{}}
}

func newCityObject(f *model.Feature, parent *int64) CityObject {
	env := f.Envelope
	if env.IsEmpty() {
		env = model.Envelope{}
	}
	row := CityObject{
		ID:              f.ID,
		ObjectClassID:   f.ClassID,
		GMLID:           f.GMLID,
		ParentID:        parent,
		EnvXMin:         env.Min[0],
		EnvYMin:         env.Min[1],
		EnvZMin:         env.Min[2],
		EnvXMax:         env.Max[0],
		EnvYMax:         env.Max[1],
		EnvZMax:         env.Max[2],
		Lineage:         f.Lineage,
		CreationDate:    f.CreationDate,
		TerminationDate: f.TerminationDate,
	}
	if len(f.Attributes) > 0 {
		row.Attributes, _ = json.Marshal(f.Attributes)
	}
	return row
}

// ToModel converts CityObject to model.Feature without its graph.
func (c *CityObject) ToModel(registry *schema.Registry) *model.Feature {
	f := &model.Feature{
		ID:              c.ID,
		GMLID:           c.GMLID,
		ClassID:         c.ObjectClassID,
		Lineage:         c.Lineage,
		CreationDate:    c.CreationDate,
		TerminationDate: c.TerminationDate,
		Envelope: model.Envelope{
			Min: model.Point3{c.EnvXMin, c.EnvYMin, c.EnvZMin},
			Max: model.Point3{c.EnvXMax, c.EnvYMax, c.EnvZMax},
		},
	}
	if class, ok := registry.ByID(c.ObjectClassID); ok {
		f.Class = class.Name
	}
	if len(c.Attributes) > 0 {
		_ = json.Unmarshal(c.Attributes, &f.Attributes)
	}
	return f
}

func newSurfaceGeometry(g *model.Geometry, owner int64, ordinal int) (SurfaceGeometry, error) {
	row := SurfaceGeometry{
		ID:           g.ID,
		GMLID:        g.GMLID,
		CityObjectID: owner,
		Ordinal:      ordinal,
		Type:         string(g.Type),
		LOD:          g.LOD,
		Property:     g.Property,
		Relation:     string(g.Relation),
		Href:         g.Href,
	}
	if len(g.Polygons) > 0 {
		data, err := json.Marshal(g.Polygons)
		if err != nil {
			return row, err
		}
		row.Geometry = data
	}
	return row, nil
}

// ToModel converts SurfaceGeometry to model.Geometry.
func (s *SurfaceGeometry) ToModel() (*model.Geometry, error) {
	g := &model.Geometry{
		ID:       s.ID,
		GMLID:    s.GMLID,
		Type:     model.GeometryType(s.Type),
		LOD:      s.LOD,
		Property: s.Property,
		Relation: model.Relation(s.Relation),
		Href:     s.Href,
	}
	if len(s.Geometry) > 0 {
		if err := json.Unmarshal(s.Geometry, &g.Polygons); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ToModel converts ObjectReference to model.Reference.
func (r *ObjectReference) ToModel() *model.Reference {
	ref := &model.Reference{
		ID:       r.ID,
		Property: r.Property,
		Target:   r.TargetGMLID,
		Kind:     model.IDKind(r.TargetKind),
	}
	if r.TargetID != nil {
		ref.TargetID = *r.TargetID
		ref.Resolved = true
	}
	return ref
}

// JSONField is a custom type for handling JSON columns.
type JSONField []byte

// Value implements driver.Valuer interface.
func (j JSONField) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner interface.
func (j *JSONField) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
		return nil
	case string:
		*j = []byte(v)
		return nil
	default:
		return errors.New("unsupported type for JSONField")
	}
}
