// Package store provides the relational city model store consumed by the
// export and import pipelines. The pipelines depend only on the narrow
// capability interfaces declared here.
package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/citymodel-pipeline/pkg/model"
)

// Key identifies one top-level row matched by a key query.
type Key struct {
	ID      int64
	ClassID int
}

// KeyQuery selects top-level keys in id order, one page at a time.
type KeyQuery struct {
	ClassIDs  []int
	Predicate sq.Sqlizer
	AfterID   int64
	Limit     int
}

// QueryExecutor runs type and predicate queries returning candidate keys.
type QueryExecutor interface {
	QueryKeys(ctx context.Context, q KeyQuery) ([]Key, error)
	CountKeys(ctx context.Context, classIDs []int, predicate sq.Sqlizer) (int64, error)
}

// ObjectFetcher rehydrates a feature with its full object graph.
type ObjectFetcher interface {
	FetchFeature(ctx context.Context, id int64) (*model.Feature, error)
}

// IndexInspector reports whether indexes required by predicates are active.
type IndexInspector interface {
	SpatialIndexActive(ctx context.Context) (bool, error)
}

// IDResolver maps external ids to internal ids of persisted rows.
type IDResolver interface {
	ResolveExternalIDs(ctx context.Context, kind model.IDKind, extIDs []string) (map[string]int64, error)
}

// Persister writes imported features and resolves their references.
type Persister interface {
	AllocateID(ctx context.Context, kind model.IDKind) (int64, error)
	PersistFeature(ctx context.Context, f *model.Feature) error
	UpdateReference(ctx context.Context, refID, targetID int64) error
}

// ExportStore is what the export pipeline needs from the store.
type ExportStore interface {
	QueryExecutor
	ObjectFetcher
	IndexInspector
	IDResolver
}

// ImportStore is what the import pipeline needs from the store.
type ImportStore interface {
	Persister
	IDResolver
}

// Dialect names the SQL backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// Placeholder returns the bind variable format of the dialect.
func (d Dialect) Placeholder() sq.PlaceholderFormat {
	if d == DialectPostgres {
		return sq.Dollar
	}
	return sq.Question
}

// Builder returns a squirrel statement builder for the dialect.
func (d Dialect) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.Placeholder())
}
