package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the generator's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	resolvers     *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	threats       prometheus.Histogram
	snapshotSize  prometheus.Gauge
	snapshotAge   prometheus.Gauge
	refreshes     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgen_runs_total",
				Help: "Generator runs by mode and result.",
			},
			[]string{"mode", "result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threatgen_run_duration_seconds",
				Help:    "Duration of generator runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"mode"},
		),
		resolvers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgen_resolvers_total",
				Help: "Processed resolvers by result.",
			},
			[]string{"result"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgen_stage_failures_total",
				Help: "Resolver failures by stage.",
			},
			[]string{"stage"},
		),
		threats: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threatgen_resolver_threats",
				Help:    "Threat entries per published resolver cache.",
				Buckets: prometheus.ExponentialBuckets(10, 10, 7),
			},
		),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatgen_snapshot_records",
			Help: "Records in the current threat snapshot.",
		}),
		snapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatgen_snapshot_fetched_timestamp_seconds",
			Help: "Unix time the current threat snapshot was fetched.",
		}),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatgen_snapshot_refreshes_total",
				Help: "Snapshot refresh attempts by result.",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(m.runs, m.runDuration, m.resolvers, m.stageFailures,
		m.threats, m.snapshotSize, m.snapshotAge, m.refreshes)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(mode string, ok bool, took time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(mode, result(ok)).Inc()
	m.runDuration.WithLabelValues(mode).Observe(took.Seconds())
}

func (m *Metrics) ResolverDone(threats int) {
	if m == nil {
		return
	}
	m.resolvers.WithLabelValues("ok").Inc()
	m.threats.Observe(float64(threats))
}

func (m *Metrics) ResolverFailed(stage string) {
	if m == nil {
		return
	}
	m.resolvers.WithLabelValues("error").Inc()
	m.stageFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveRefresh(records int, fetchedAt time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
	m.snapshotSize.Set(float64(records))
	m.snapshotAge.Set(float64(fetchedAt.Unix()))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
