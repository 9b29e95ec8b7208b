// Package metrics exposes session activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tileabr"

// Metrics groups every collector the sessions update.
type Metrics struct {
	registry *prometheus.Registry

	Sessions        prometheus.Gauge
	Switches        *prometheus.CounterVec
	SkippedSwitches prometheus.Counter
	Decisions       *prometheus.CounterVec
	MotionSkips     prometheus.Counter
	QREA            *prometheus.GaugeVec
	Resyncs         prometheus.Counter
	Drift           prometheus.Histogram
	Barriers        *prometheus.CounterVec
	BarrierWait     prometheus.Histogram
	StoreErrors     *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	Viewers         prometheus.Gauge
}

// New registers the collectors on a fresh registry, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Viewing sessions currently running.",
		}),
		Switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_total",
			Help:      "Quality switches applied, by target tier.",
		}, []string{"quality"}),
		SkippedSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_skipped_total",
			Help:      "Switches skipped because the tier index was not available.",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Per-tile decisions, by desired tier.",
		}, []string{"quality"}),
		MotionSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "motion_gate_skips_total",
			Help:      "Decision passes skipped because the camera barely moved.",
		}),
		QREA: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "qrea",
			Help:      "Latest QREA composite and sub-metrics.",
		}, []string{"component"}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Elements pulled back onto the shared timeline.",
		}),
		Drift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resync_drift_seconds",
			Help:      "Absolute drift of corrected elements.",
			Buckets:   []float64{0.2, 0.3, 0.5, 1, 2, 5, 10},
		}),
		Barriers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barriers_total",
			Help:      "Barrier completions, by operation and outcome.",
		}, []string{"op", "outcome"}),
		BarrierWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "startup_barrier_seconds",
			Help:      "Time from session start until every element was ready.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Persistence failures, by operation.",
		}, []string{"op"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests, by route pattern and status code.",
		}, []string{"route", "code"}),
		Viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewers_connected",
			Help:      "Open viewer websocket connections.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Sessions, m.Switches, m.SkippedSwitches, m.Decisions, m.MotionSkips,
		m.QREA, m.Resyncs, m.Drift, m.Barriers, m.BarrierWait, m.StoreErrors,
		m.Requests, m.Viewers,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveQREA records the latest sample components.
func (m *Metrics) ObserveQREA(qmatch, rlatency, buse, qstability, composite float64) {
	m.QREA.WithLabelValues("qmatch").Set(qmatch)
	m.QREA.WithLabelValues("rlatency").Set(rlatency)
	m.QREA.WithLabelValues("buse").Set(buse)
	m.QREA.WithLabelValues("qstability").Set(qstability)
	m.QREA.WithLabelValues("composite").Set(composite)
}
