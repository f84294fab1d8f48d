// Package cachetable manages run-scoped temporary tables: the overflow
// storage of the identifier caches and the forward reference log.
package cachetable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/citymodel-pipeline/pkg/parallel"
	"github.com/citymodel-pipeline/pkg/utils"
)

// Kind identifies the purpose of a cache table.
type Kind string

const (
	KindObjectIDs   Kind = "objid"
	KindGeometryIDs Kind = "geomid"
	KindForwardRefs Kind = "xlink"
)

// ErrDropped is returned when creating a table after DropAll.
var ErrDropped = errors.New("cache tables already dropped")

// Manager creates the cache tables of one run and drops them at its end.
// Tables are never shared across runs: names carry the run id.
type Manager struct {
	db     *gorm.DB
	runID  string
	logger utils.Logger

	mu      sync.Mutex
	tables  map[Kind]string
	dropped bool
}

// NewManager creates a manager for the given run.
func NewManager(db *gorm.DB, runID string, logger utils.Logger) *Manager {
	return &Manager{
		db:     db,
		runID:  strings.ToLower(runID),
		logger: utils.OrNull(logger).WithField("run", runID),
		tables: make(map[Kind]string),
	}
}

// TableName returns the name of the kind's table for this run.
func (m *Manager) TableName(kind Kind) string {
	return fmt.Sprintf("tmp_%s_%s", kind, m.runID)
}

// create registers and creates the kind's table once.
func (m *Manager) create(ctx context.Context, kind Kind, model interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dropped {
		return "", ErrDropped
	}
	if name, ok := m.tables[kind]; ok {
		return name, nil
	}

	name := m.TableName(kind)
	if err := m.db.WithContext(ctx).Table(name).Migrator().CreateTable(model); err != nil {
		return "", fmt.Errorf("failed to create cache table %s: %w", name, err)
	}
	m.tables[kind] = name
	m.logger.Debug("Created cache table %s", name)
	return name, nil
}

// IDTable creates the identifier overflow table for kind.
func (m *Manager) IDTable(ctx context.Context, kind Kind) (*IDTable, error) {
	name, err := m.create(ctx, kind, &idRow{})
	if err != nil {
		return nil, err
	}
	return &IDTable{db: m.db, name: name}, nil
}

// RefTable creates the forward reference table.
func (m *Manager) RefTable(ctx context.Context) (*RefTable, error) {
	name, err := m.create(ctx, KindForwardRefs, &refRow{})
	if err != nil {
		return nil, err
	}
	return &RefTable{db: m.db, name: name}, nil
}

// Tables returns the names of the tables created so far, sorted.
func (m *Manager) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tables))
	for _, name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropAll drops every table created by this manager, in parallel. Every
// drop is attempted; failures are joined. Later calls are no-ops. Callers
// on a cancelled run should pass a context detached from the run.
func (m *Manager) DropAll(ctx context.Context) error {
	m.mu.Lock()
	if m.dropped {
		m.mu.Unlock()
		return nil
	}
	m.dropped = true
	names := make([]string, 0, len(m.tables))
	for _, name := range m.tables {
		names = append(names, name)
	}
	m.tables = make(map[Kind]string)
	m.mu.Unlock()

	err := parallel.ForEach(ctx, names, len(names), func(ctx context.Context, name string) error {
		if err := m.db.WithContext(ctx).Migrator().DropTable(name); err != nil {
			m.logger.Error("Failed to drop cache table %s: %v", name, err)
			return fmt.Errorf("drop %s: %w", name, err)
		}
		m.logger.Debug("Dropped cache table %s", name)
		return nil
	})
	return err
}
