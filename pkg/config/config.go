// Package config provides configuration management for citypipe.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/viper"

	"github.com/citymodel-pipeline/pkg/telemetry"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// CITYPIPE_DATABASE_HOST overrides database.host.
const EnvPrefix = "CITYPIPE"

// Config holds all configuration for the application.
type Config struct {
	Database  DatabaseConfig   `mapstructure:"database"`
	Export    ExportConfig     `mapstructure:"export"`
	Import    ImportConfig     `mapstructure:"import"`
	Resources ResourcesConfig  `mapstructure:"resources"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Log       LogConfig        `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // postgres, mysql or sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"` // file path for sqlite
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
}

// BBoxConfig is a 2D bounding box filter.
type BBoxConfig struct {
	// Bounds is minx, miny, maxx, maxy. Empty disables the filter.
	Bounds []float64 `mapstructure:"bounds"`
	// Mode is "overlaps" or "within".
	Mode string `mapstructure:"mode"`
	SRS  string `mapstructure:"srs"`
}

// Enabled reports whether a bounding box was configured.
func (b BBoxConfig) Enabled() bool {
	return len(b.Bounds) > 0
}

// Bound returns the box as an orb.Bound. It is only meaningful when the
// box is enabled and valid.
func (b BBoxConfig) Bound() orb.Bound {
	if len(b.Bounds) != 4 {
		return orb.Bound{}
	}
	return orb.Bound{
		Min: orb.Point{b.Bounds[0], b.Bounds[1]},
		Max: orb.Point{b.Bounds[2], b.Bounds[3]},
	}
}

// CounterConfig selects a window of matching objects.
type CounterConfig struct {
	Start int64 `mapstructure:"start"`
	Limit int64 `mapstructure:"limit"` // 0 means unlimited
}

// VersionConfig selects feature versions by lifespan.
type VersionConfig struct {
	// Mode is "all", "latest" or "at".
	Mode string `mapstructure:"mode"`
	// At is an RFC 3339 timestamp used when Mode is "at".
	At string `mapstructure:"at"`
}

// TilingConfig splits the export extent into a grid.
type TilingConfig struct {
	Rows    int `mapstructure:"rows"`
	Columns int `mapstructure:"columns"`
	// PathTemplate derives per-tile output paths. Placeholders: {row},
	// {col}, {base}, {ext}.
	PathTemplate string `mapstructure:"path_template"`
}

// Enabled reports whether the grid has more than one cell.
func (t TilingConfig) Enabled() bool {
	return t.Rows*t.Columns > 1
}

// TransformConfig configures per-feature export transforms.
type TransformConfig struct {
	// Affine is a row-major 3x4 matrix. Empty disables the transform.
	Affine       []float64 `mapstructure:"affine"`
	SourceSRS    string    `mapstructure:"source_srs"`
	TargetSRS    string    `mapstructure:"target_srs"`
	Pseudonymize bool      `mapstructure:"pseudonymize"`
	Salt         string    `mapstructure:"salt"`
	// LOD keeps only geometries of this level of detail; -1 keeps all.
	LOD int `mapstructure:"lod"`
}

// ExportConfig holds export run configuration.
type ExportConfig struct {
	Output    string          `mapstructure:"output"`
	Format    string          `mapstructure:"format"` // cityjson or cityjsonseq; empty follows the output extension
	Types     []string        `mapstructure:"types"`
	GMLIDs    []string        `mapstructure:"gml_ids"`
	Lineage   string          `mapstructure:"lineage"`
	Version   VersionConfig   `mapstructure:"version"`
	BBox      BBoxConfig      `mapstructure:"bbox"`
	Counter   CounterConfig   `mapstructure:"counter"`
	Tiling    TilingConfig    `mapstructure:"tiling"`
	Transform TransformConfig `mapstructure:"transform"`
	Upload    bool            `mapstructure:"upload"`
}

// ImportConfig holds import run configuration.
type ImportConfig struct {
	Inputs  []string      `mapstructure:"inputs"`
	Types   []string      `mapstructure:"types"`
	BBox    BBoxConfig    `mapstructure:"bbox"`
	Counter CounterConfig `mapstructure:"counter"`
	Lineage string        `mapstructure:"lineage"`
}

// PoolSize bounds a worker pool.
type PoolSize struct {
	Core int `mapstructure:"core"`
	Max  int `mapstructure:"max"`
}

// IDCacheConfig sizes the identifier caches.
type IDCacheConfig struct {
	Partitions int     `mapstructure:"partitions"`
	Capacity   int     `mapstructure:"capacity"`
	FillFactor float64 `mapstructure:"fill_factor"`
}

// ResourcesConfig sizes pools, queues and caches.
type ResourcesConfig struct {
	Workers          PoolSize      `mapstructure:"workers"`
	XLinkWorkers     PoolSize      `mapstructure:"xlink_workers"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	KeyPageSize      int           `mapstructure:"key_page_size"`
	RefPageSize      int           `mapstructure:"ref_page_size"`
	IDCache          IDCacheConfig `mapstructure:"id_cache"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type      string `mapstructure:"type"` // cos or local
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	SecretID  string `mapstructure:"secret_id"`
	SecretKey string `mapstructure:"secret_key"`
	Domain    string `mapstructure:"domain"`     // e.g., "myqcloud.com"
	Scheme    string `mapstructure:"scheme"`     // e.g., "https" or "http"
	LocalPath string `mapstructure:"local_path"` // for local storage
	Prefix    string `mapstructure:"prefix"`     // key prefix for uploads
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"` // empty logs to stderr
	Format     string `mapstructure:"format"`      // json or text
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the listener
}

// Load reads configuration from the specified file path.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("citypipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/citypipe")
	}

	// Without a config file, defaults and environment apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case os.IsNotExist(err):
			return nil, fmt.Errorf("config file %s not found", configPath)
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFromReader loads configuration from raw content (useful for testing).
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

// Default returns the configuration built from defaults and environment.
func Default() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "citydb.sqlite")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("export.version.mode", "latest")
	v.SetDefault("export.bbox.mode", "overlaps")
	v.SetDefault("export.tiling.rows", 1)
	v.SetDefault("export.tiling.columns", 1)
	v.SetDefault("export.tiling.path_template", "{base}_{row}_{col}{ext}")
	v.SetDefault("export.transform.lod", -1)

	v.SetDefault("import.bbox.mode", "overlaps")

	v.SetDefault("resources.workers.core", 4)
	v.SetDefault("resources.workers.max", 8)
	v.SetDefault("resources.xlink_workers.core", 2)
	v.SetDefault("resources.xlink_workers.max", 4)
	v.SetDefault("resources.queue_capacity", 64)
	v.SetDefault("resources.key_page_size", 500)
	v.SetDefault("resources.ref_page_size", 500)
	v.SetDefault("resources.id_cache.partitions", 16)
	v.SetDefault("resources.id_cache.capacity", 10000)
	v.SetDefault("resources.id_cache.fill_factor", 0.8)
	v.SetDefault("resources.progress_interval", "2s")

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./storage")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("telemetry.service_name", "citypipe")
	v.SetDefault("telemetry.service_version", "unknown")
	v.SetDefault("telemetry.protocol", "grpc")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres", "mysql":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
	case "sqlite":
		if c.Database.Database == "" {
			return fmt.Errorf("sqlite database path is required")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	switch c.Export.Format {
	case "", "cityjson", "cityjsonseq":
	default:
		return fmt.Errorf("unsupported export format: %s", c.Export.Format)
	}

	switch c.Export.Version.Mode {
	case "all", "latest":
	case "at":
		if _, err := time.Parse(time.RFC3339, c.Export.Version.At); err != nil {
			return fmt.Errorf("invalid version timestamp %q: %w", c.Export.Version.At, err)
		}
	default:
		return fmt.Errorf("unsupported version mode: %s", c.Export.Version.Mode)
	}

	for _, bbox := range []BBoxConfig{c.Export.BBox, c.Import.BBox} {
		if err := bbox.validate(); err != nil {
			return err
		}
	}

	if c.Export.Tiling.Rows < 1 || c.Export.Tiling.Columns < 1 {
		return fmt.Errorf("tiling rows and columns must be at least 1")
	}
	if c.Export.Tiling.Enabled() && !c.Export.BBox.Enabled() {
		return fmt.Errorf("tiling requires export.bbox.bounds")
	}

	if n := len(c.Export.Transform.Affine); n != 0 && n != 12 {
		return fmt.Errorf("affine transform needs 12 values, got %d", n)
	}

	r := c.Resources
	if r.Workers.Core < 1 || r.Workers.Max < r.Workers.Core {
		return fmt.Errorf("invalid worker pool size %d..%d", r.Workers.Core, r.Workers.Max)
	}
	if r.XLinkWorkers.Core < 1 || r.XLinkWorkers.Max < r.XLinkWorkers.Core {
		return fmt.Errorf("invalid xlink pool size %d..%d", r.XLinkWorkers.Core, r.XLinkWorkers.Max)
	}
	if r.IDCache.Partitions < 1 || r.IDCache.Capacity < 1 {
		return fmt.Errorf("id cache partitions and capacity must be at least 1")
	}
	if r.IDCache.FillFactor <= 0 || r.IDCache.FillFactor > 1 {
		return fmt.Errorf("id cache fill factor must be in (0, 1]")
	}

	return nil
}

func (b BBoxConfig) validate() error {
	if !b.Enabled() {
		return nil
	}
	if len(b.Bounds) != 4 {
		return fmt.Errorf("bbox needs 4 values, got %d", len(b.Bounds))
	}
	if b.Bounds[0] > b.Bounds[2] || b.Bounds[1] > b.Bounds[3] {
		return fmt.Errorf("bbox min exceeds max")
	}
	switch b.Mode {
	case "overlaps", "within":
		return nil
	default:
		return fmt.Errorf("unsupported bbox mode: %s", b.Mode)
	}
}

// VersionTime returns the parsed timestamp for Mode "at".
func (v VersionConfig) VersionTime() (time.Time, error) {
	return time.Parse(time.RFC3339, v.At)
}
