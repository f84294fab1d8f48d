// Package mock provides testify mocks of the store and storage
// capabilities used by the pipelines.
package mock

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/mock"

	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/pkg/model"
)

// MockExportStore is a mock implementation of store.ExportStore.
type MockExportStore struct {
	mock.Mock
}

var _ store.ExportStore = (*MockExportStore)(nil)

// QueryKeys mocks the QueryKeys method.
func (m *MockExportStore) QueryKeys(ctx context.Context, q store.KeyQuery) ([]store.Key, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Key), args.Error(1)
}

// CountKeys mocks the CountKeys method.
func (m *MockExportStore) CountKeys(ctx context.Context, classIDs []int, predicate sq.Sqlizer) (int64, error) {
	args := m.Called(ctx, classIDs, predicate)
	return args.Get(0).(int64), args.Error(1)
}

// FetchFeature mocks the FetchFeature method.
func (m *MockExportStore) FetchFeature(ctx context.Context, id int64) (*model.Feature, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Feature), args.Error(1)
}

// SpatialIndexActive mocks the SpatialIndexActive method.
func (m *MockExportStore) SpatialIndexActive(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

// ResolveExternalIDs mocks the ResolveExternalIDs method.
func (m *MockExportStore) ResolveExternalIDs(ctx context.Context, kind model.IDKind, extIDs []string) (map[string]int64, error) {
	args := m.Called(ctx, kind, extIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

// ExpectSpatialIndex sets up an expectation for SpatialIndexActive.
func (m *MockExportStore) ExpectSpatialIndex(active bool, err error) *mock.Call {
	return m.On("SpatialIndexActive", mock.Anything).Return(active, err)
}

// ExpectCount sets up an expectation for CountKeys with any arguments.
func (m *MockExportStore) ExpectCount(n int64, err error) *mock.Call {
	return m.On("CountKeys", mock.Anything, mock.Anything, mock.Anything).Return(n, err)
}

// ExpectPage sets up an expectation for one QueryKeys page starting after
// afterID.
func (m *MockExportStore) ExpectPage(afterID int64, keys []store.Key, err error) *mock.Call {
	return m.On("QueryKeys", mock.Anything, mock.MatchedBy(func(q store.KeyQuery) bool {
		return q.AfterID == afterID
	})).Return(keys, err)
}

// MockImportStore is a mock implementation of store.ImportStore.
type MockImportStore struct {
	mock.Mock
}

var _ store.ImportStore = (*MockImportStore)(nil)

// AllocateID mocks the AllocateID method.
func (m *MockImportStore) AllocateID(ctx context.Context, kind model.IDKind) (int64, error) {
	args := m.Called(ctx, kind)
	return args.Get(0).(int64), args.Error(1)
}

// PersistFeature mocks the PersistFeature method.
func (m *MockImportStore) PersistFeature(ctx context.Context, f *model.Feature) error {
	args := m.Called(ctx, f)
	return args.Error(0)
}

// UpdateReference mocks the UpdateReference method.
func (m *MockImportStore) UpdateReference(ctx context.Context, refID, targetID int64) error {
	args := m.Called(ctx, refID, targetID)
	return args.Error(0)
}

// ResolveExternalIDs mocks the ResolveExternalIDs method.
func (m *MockImportStore) ResolveExternalIDs(ctx context.Context, kind model.IDKind, extIDs []string) (map[string]int64, error) {
	args := m.Called(ctx, kind, extIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}
