package store

import (
	"context"
	"fmt"
)

// Migrate creates or updates the persistent tables. Without withIndex the
// envelope index is dropped again after migration.
func (s *GormStore) Migrate(ctx context.Context, withIndex bool) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	if !withIndex {
		return s.DropSpatialIndex(ctx)
	}
	return nil
}

// CreateSpatialIndex activates the envelope index.
func (s *GormStore) CreateSpatialIndex(ctx context.Context) error {
	m := s.db.WithContext(ctx).Migrator()
	if m.HasIndex(&CityObject{}, SpatialIndexName) {
		return nil
	}
	if err := m.CreateIndex(&CityObject{}, SpatialIndexName); err != nil {
		return fmt.Errorf("failed to create %s: %w", SpatialIndexName, err)
	}
	s.logger.Info("Created spatial index %s", SpatialIndexName)
	return nil
}

// DropSpatialIndex deactivates the envelope index.
func (s *GormStore) DropSpatialIndex(ctx context.Context) error {
	m := s.db.WithContext(ctx).Migrator()
	if !m.HasIndex(&CityObject{}, SpatialIndexName) {
		return nil
	}
	if err := m.DropIndex(&CityObject{}, SpatialIndexName); err != nil {
		return fmt.Errorf("failed to drop %s: %w", SpatialIndexName, err)
	}
	s.logger.Info("Dropped spatial index %s", SpatialIndexName)
	return nil
}
