// Package metrics exposes the server's operation counters to Prometheus,
// supplementing spec.md's stats command (which answers one client at a
// time over the wire) with a pull-based endpoint for external monitoring —
// a feature the original C server has no equivalent of, added here as a
// SPEC_FULL.md ambient-stack component.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the server updates as it processes
// commands. Metric names follow the stats reply's job-state and command
// breakdown in Prometheus style (holdd_jobs_ready,
// holdd_commands_total{command="put"}, ...) rather than copying its wire
// names. The four per-tube job-state gauges are labeled by tube
// name, matching stats-tube's per-tube breakdown (stats.go's tubeStats)
// rather than collapsing every tube into one global number.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	JobsCreated     prometheus.Counter
	JobsTimedOut    prometheus.Counter
	JobsBuried      prometheus.Counter
	ConnectionsOpen prometheus.Gauge

	JobsReady       *prometheus.GaugeVec
	JobsReserved    *prometheus.GaugeVec
	JobsDelayed     *prometheus.GaugeVec
	JobsBuriedGauge *prometheus.GaugeVec

	WALBytesReserved prometheus.Gauge
	WALBytesAlive    prometheus.Gauge
	FsyncSeconds     prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a Metrics registered against a fresh registry (not the global
// default, so tests and multiple server instances in one process don't
// collide).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "holdd",
			Name:      "commands_total",
			Help:      "Total commands processed, by command name.",
		}, []string{"command"}),
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "holdd", Name: "jobs_created_total", Help: "Jobs created via put.",
		}),
		JobsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "holdd", Name: "jobs_timed_out_total", Help: "Reservations that expired before completion.",
		}),
		JobsBuried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "holdd", Name: "jobs_buried_total", Help: "Jobs buried via bury.",
		}),
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "holdd", Name: "connections_open", Help: "Currently open client connections.",
		}),
		JobsReady: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "holdd", Name: "jobs_ready", Help: "Jobs currently ready, by tube.",
		}, []string{"tube"}),
		JobsReserved: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "holdd", Name: "jobs_reserved", Help: "Jobs currently reserved, by tube.",
		}, []string{"tube"}),
		JobsDelayed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "holdd", Name: "jobs_delayed", Help: "Jobs currently delayed, by tube.",
		}, []string{"tube"}),
		JobsBuriedGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "holdd", Name: "jobs_buried", Help: "Jobs currently buried, by tube.",
		}, []string{"tube"}),
		WALBytesReserved: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "holdd", Name: "wal_bytes_reserved", Help: "Bytes reserved (written or pending write) across all open WAL segments.",
		}),
		WALBytesAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "holdd", Name: "wal_bytes_alive", Help: "Bytes of live (non-stale) records across all open WAL segments.",
		}),
		FsyncSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "holdd", Name: "wal_fsync_seconds", Help: "Latency of WAL segment fsync calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Serve starts an HTTP server exposing /metrics on addr until ctx is
// cancelled. Used only when the operator opts in (no equivalent flag in
// the original C server; see SPEC_FULL.md's "Ambient: metrics" section).
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
