// Package metrics exposes pipeline events as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/citymodel-pipeline/internal/event"
	"github.com/citymodel-pipeline/pkg/utils"
)

const namespace = "citypipe"

// Collector turns bus events into metrics.
type Collector struct {
	objects        *prometheus.CounterVec
	geometries     *prometheus.CounterVec
	tilesRemaining prometheus.Gauge
	unresolved     prometheus.Counter
	progress       *prometheus.GaugeVec
	runs           *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_total",
			Help:      "Number of features processed by object type.",
		}, []string{"type"}),
		geometries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geometries_total",
			Help:      "Number of geometries processed by geometry type.",
		}, []string{"type"}),
		tilesRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tiles_remaining",
			Help:      "Tiles of the current export not yet started.",
		}),
		unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresolved_references_total",
			Help:      "Forward references left dangling at run end.",
		}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_processed_items",
			Help:      "Items processed by the pool of a pipeline instance.",
		}, []string{"source"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs.",
		}, []string{"kind"}),
	}
	reg.MustRegister(c.objects, c.geometries, c.tilesRemaining, c.unresolved, c.progress, c.runs)
	return c
}

// Listen implements event.Listener.
func (c *Collector) Listen(e event.Event) {
	switch e.Type {
	case event.TilesRemaining:
		c.tilesRemaining.Set(float64(e.Value))
	case event.Counters:
		for t, n := range e.Counters.Objects {
			c.objects.WithLabelValues(t).Add(float64(n))
		}
		for t, n := range e.Counters.Geometries {
			c.geometries.WithLabelValues(t).Add(float64(n))
		}
	case event.Progress:
		c.progress.WithLabelValues(e.Source).Set(float64(e.Value))
	case event.Unresolved:
		c.unresolved.Add(float64(e.Value))
	case event.Totals:
		kind := e.Source
		if kind == "" {
			kind = "unknown"
		}
		c.runs.WithLabelValues(kind).Inc()
	}
}

// Serve exposes the metrics of gatherer on addr under /metrics until ctx
// is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger utils.Logger) error {
	logger = utils.OrNull(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
