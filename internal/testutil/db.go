package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/pkg/config"
)

// SQLiteConfig returns a database config for a file database in a test
// temp directory.
func SQLiteConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	return config.DatabaseConfig{
		Type:     "sqlite",
		Database: filepath.Join(t.TempDir(), "city.sqlite"),
	}
}

// NewStore opens a migrated sqlite store that is closed with the test.
func NewStore(t *testing.T, withIndex bool) *store.GormStore {
	t.Helper()
	s, err := store.Open(context.Background(), SQLiteConfig(t), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(context.Background(), withIndex))
	return s
}
