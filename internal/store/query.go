package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	apperrors "github.com/citymodel-pipeline/pkg/errors"
)

func (s *GormStore) keyFilter(classIDs []int, predicate sq.Sqlizer) sq.And {
	where := sq.And{
		sq.Eq{"parent_id": nil},
		sq.Eq{"objectclass_id": classIDs},
	}
	if predicate != nil {
		where = append(where, predicate)
	}
	return where
}

// QueryKeys returns one page of top-level keys matching the query, ordered
// by id. The rows are fully read before returning so no connection is held
// by the caller.
func (s *GormStore) QueryKeys(ctx context.Context, q KeyQuery) ([]Key, error) {
	where := s.keyFilter(q.ClassIDs, q.Predicate)
	if q.AfterID > 0 {
		where = append(where, sq.Gt{"id": q.AfterID})
	}

	builder := s.dialect.Builder().
		Select("id", "objectclass_id").
		From(CityObject{}.TableName()).
		Where(where).
		OrderBy("id")
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeQueryError, "failed to build key query", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeQueryError, "failed to query keys", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ID, &k.ClassID); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeQueryError, "failed to scan key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeQueryError, "failed to iterate keys", err)
	}
	return keys, nil
}

// CountKeys counts top-level rows matching the classes and predicate.
func (s *GormStore) CountKeys(ctx context.Context, classIDs []int, predicate sq.Sqlizer) (int64, error) {
	query, args, err := s.dialect.Builder().
		Select("COUNT(*)").
		From(CityObject{}.TableName()).
		Where(s.keyFilter(classIDs, predicate)).
		ToSql()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeQueryError, "failed to build count query", err)
	}

	var n int64
	if err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeQueryError, "failed to count keys", err)
	}
	return n, nil
}

// SpatialIndexActive reports whether the envelope index exists.
func (s *GormStore) SpatialIndexActive(ctx context.Context) (bool, error) {
	return s.db.WithContext(ctx).Migrator().HasIndex(&CityObject{}, SpatialIndexName), nil
}
