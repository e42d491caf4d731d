// Package metrics exposes Prometheus metrics for flow polling and the EFS.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns its registry so independent sessions can coexist in one process.
type Recorder struct {
	registry *prometheus.Registry

	flowsLaunched       *prometheus.CounterVec
	flowPolls           *prometheus.CounterVec
	flowTransitions     *prometheus.CounterVec
	materializeDuration *prometheus.HistogramVec
	materializedBytes   prometheus.Counter
	efsNodes            prometheus.Gauge
	efsMergeDuration    prometheus.Histogram
	trackedFlows        prometheus.Gauge
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		flowsLaunched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grrshell_flows_launched_total",
				Help: "Total number of flows submitted",
			},
			[]string{"kind", "status"},
		),
		flowPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grrshell_flow_polls_total",
				Help: "Total number of flow status polls",
			},
			[]string{"result"},
		),
		flowTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grrshell_flow_transitions_total",
				Help: "Total number of flow state transitions",
			},
			[]string{"to"},
		),
		materializeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grrshell_materialize_duration_seconds",
				Help:    "Time spent materializing flow results",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		materializedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "grrshell_materialized_bytes_total",
				Help: "Total bytes written to local storage",
			},
		),
		efsNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "grrshell_efs_nodes",
				Help: "Number of nodes resident in the emulated filesystem",
			},
		),
		efsMergeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grrshell_efs_merge_duration_seconds",
				Help:    "Time spent merging timeline snapshots",
				Buckets: prometheus.DefBuckets,
			},
		),
		trackedFlows: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "grrshell_tracked_flows",
				Help: "Number of non-terminal flows tracked by the session",
			},
		),
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) FlowLaunched(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.flowsLaunched.WithLabelValues(kind, status).Inc()
}

func (r *Recorder) FlowPolled(result string) {
	r.flowPolls.WithLabelValues(result).Inc()
}

func (r *Recorder) FlowTransition(to string) {
	r.flowTransitions.WithLabelValues(to).Inc()
}

func (r *Recorder) Materialized(kind string, duration time.Duration, bytes int64) {
	r.materializeDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if bytes > 0 {
		r.materializedBytes.Add(float64(bytes))
	}
}

func (r *Recorder) EFSMerged(duration time.Duration, nodes int) {
	r.efsMergeDuration.Observe(duration.Seconds())
	r.efsNodes.Set(float64(nodes))
}

func (r *Recorder) SetTrackedFlows(n int) {
	r.trackedFlows.Set(float64(n))
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
