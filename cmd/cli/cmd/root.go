package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/citymodel-pipeline/pkg/config"
	"github.com/citymodel-pipeline/pkg/telemetry"
	"github.com/citymodel-pipeline/pkg/utils"
)

var (
	// Global flags
	cfgFile     string
	verbose     bool
	metricsAddr string

	cfg    *config.Config
	logger utils.Logger

	shutdownTelemetry telemetry.ShutdownFunc
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "citypipe",
	Short: "Export and import 3D city models",
	Long: `citypipe moves 3D city models between a relational store and
CityJSON interchange files.

Exports and imports run on bounded worker pools. References between
features are resolved after the main pass, so a feature may point at
one that is written or read later.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}

		if logger, err = newLogger(cfg.Log); err != nil {
			return err
		}

		cfg.Telemetry.ServiceVersion = Version
		shutdownTelemetry, err = telemetry.Init(cmd.Context(), cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Warn("Failed to flush traces: %v", err)
			}
		}
		if z, ok := logger.(*utils.ZapLogger); ok {
			_ = z.Sync()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default ./citypipe.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address during the run")

	binName := BinName()
	rootCmd.Example = `  # Create the schema and the spatial index
  ` + binName + ` setup --index

  # Export all buildings into one file
  ` + binName + ` export -o ./out/city.city.json --types Building

  # Export a 4x4 grid of tiles
  ` + binName + ` export -o ./out/city.city.jsonl --bbox 0,0,1000,1000 --tiles 4x4

  # Import two files with lineage
  ` + binName + ` import ./a.city.json ./b.city.jsonl --lineage survey-2024`
}

func newLogger(c config.LogConfig) (utils.Logger, error) {
	level := utils.ParseLogLevel(c.Level)
	if verbose {
		level = utils.LevelDebug
	}
	if c.OutputPath != "" {
		return utils.NewFileLogger(level, c.Format, c.OutputPath)
	}
	return utils.NewZapLogger(level, c.Format, os.Stderr), nil
}

// BinName returns the base name of the current executable
func BinName() string {
	return filepath.Base(os.Args[0])
}
