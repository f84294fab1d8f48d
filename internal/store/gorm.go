package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/pkg/config"
	"github.com/citymodel-pipeline/pkg/model"
	"github.com/citymodel-pipeline/pkg/utils"
)

// Options tune how Open connects.
type Options struct {
	TraceQueries bool
	PingRetries  uint64
	Logger       utils.Logger
}

// GormStore implements the store capabilities on top of GORM.
type GormStore struct {
	db       *gorm.DB
	sqlDB    *sql.DB
	dialect  Dialect
	registry *schema.Registry
	logger   utils.Logger

	allocMu sync.Mutex
	next    map[model.IDKind]int64
}

var (
	_ ExportStore = (*GormStore)(nil)
	_ ImportStore = (*GormStore)(nil)
)

// New wraps an open GORM connection.
func New(db *gorm.DB, dialect Dialect, registry *schema.Registry, logger utils.Logger) (*GormStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if registry == nil {
		registry = schema.Default()
	}
	return &GormStore{
		db:       db,
		sqlDB:    sqlDB,
		dialect:  dialect,
		registry: registry,
		logger:   utils.OrNull(logger),
		next:     make(map[model.IDKind]int64),
	}, nil
}

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts Options) (*GormStore, error) {
	var dialector gorm.Dialector
	dialect := Dialect(cfg.Type)

	switch dialect {
	case DialectPostgres, Dialect("postgresql"):
		dialect = DialectPostgres
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database,
		)
		dialector = postgres.Open(dsn)
	case DialectMySQL:
		dsn := fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		)
		dialector = mysql.Open(dsn)
	case DialectSQLite:
		dialector = sqlite.Open(cfg.Database + "?_busy_timeout=5000&_foreign_keys=off")
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.TraceQueries {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("failed to enable query tracing: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	if dialect == DialectSQLite {
		// One writer at a time; statements queue on the single connection.
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	retries := opts.PingRetries
	if retries == 0 {
		retries = 3
	}
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return sqlDB.PingContext(pingCtx)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db, dialect, schema.Default(), opts.Logger)
}

// DB returns the underlying GORM DB instance.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Dialect returns the SQL backend of the store.
func (s *GormStore) Dialect() Dialect {
	return s.dialect
}

// Registry returns the class registry used to name features.
func (s *GormStore) Registry() *schema.Registry {
	return s.registry
}

// Close closes the database connection.
func (s *GormStore) Close() error {
	return s.sqlDB.Close()
}

// HealthCheck verifies the database connection is still alive.
func (s *GormStore) HealthCheck(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}
