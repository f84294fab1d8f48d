package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/citymodel-pipeline/internal/event"
	"github.com/citymodel-pipeline/internal/metrics"
	"github.com/citymodel-pipeline/internal/pipeline"
	"github.com/citymodel-pipeline/internal/storage"
	"github.com/citymodel-pipeline/internal/store"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
)

// summaryPath receives the run result as JSON when set.
var summaryPath string

// runContext is cancelled by SIGINT or SIGTERM. A cancelled run finishes
// its in-flight items, drops its cache tables and reports "aborted".
func runContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func openStore(ctx context.Context) (*store.GormStore, error) {
	st, err := store.Open(ctx, cfg.Database, store.Options{
		TraceQueries: cfg.Telemetry.TraceQueries,
		Logger:       logger,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to open database", err)
	}
	return st, nil
}

// options assembles the collaborators of a run. The metrics listener, if
// configured, lives until ctx is done. Object storage is only opened when
// the run moves files through it.
func options(ctx context.Context, withStorage bool) (pipeline.Options, error) {
	opts := pipeline.Options{Bus: event.NewBus(), Logger: logger}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(reg)
		opts.Bus.Subscribe(collector.Listen)
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, logger); err != nil {
				logger.Warn("Metrics listener stopped: %v", err)
			}
		}()
	}

	opts.Bus.Subscribe(func(e event.Event) {
		switch e.Type {
		case event.TilesRemaining:
			logger.Debug("%d tiles remaining", e.Value)
		case event.Progress:
			logger.Debug("[%s] processed %d of %d", e.Source, e.Value, e.Total)
		}
	})

	if withStorage {
		s, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return opts, err
		}
		opts.Storage = s
	}
	return opts, nil
}

// report logs the outcome and converts it into the command's error.
func report(kind string, r *model.RunResult) error {
	for _, t := range r.Totals.ObjectTypes() {
		logger.Info("%-24s %d", t, r.Totals.Objects[t])
	}
	logger.Info("%s %s in %s: %d objects, %d geometries, %d warnings",
		kind, r.Status, r.Duration.Round(time.Millisecond), r.Totals.TotalObjects(), r.Totals.TotalGeometries(), r.Warnings)
	for _, u := range r.Unresolved {
		logger.Warn("Unresolved reference %s.%s -> %s (%s)", u.Source, u.Property, u.Target, u.Kind)
	}

	if summaryPath != "" {
		if err := writeSummary(summaryPath, r); err != nil {
			logger.Warn("Failed to write summary: %v", err)
		}
	}

	switch r.Status {
	case model.StatusAborted:
		return apperrors.New(apperrors.CodeAborted, kind+" aborted")
	case model.StatusFailed:
		if hint := apperrors.Hint(r.Err); hint != "" {
			logger.Error("Hint: %s", hint)
		}
		return r.Err
	}
	return nil
}

func writeSummary(path string, r *model.RunResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
