package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates the Prometheus collectors the demo gateway exposes
// for regeneration, scans and the absence sweep.
type Metrics struct {
	registry           *prometheus.Registry
	handler            http.Handler
	regenerateDuration prometheus.Histogram
	regenerateBacktracks prometheus.Histogram
	scanTotal          *prometheus.CounterVec
	sweepCreated       prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	regenerateDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_regenerate_duration_seconds",
		Help:    "Duration of Regenerate calls in seconds",
		Buckets: prometheus.DefBuckets,
	})
	regenerateBacktracks := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_regenerate_backtracks",
		Help:    "Number of backtracking undos per Regenerate call",
		Buckets: []float64{0, 1, 5, 25, 100, 500},
	})
	scanTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_scan_total",
		Help: "Total scan attempts by outcome",
	}, []string{"outcome"})
	sweepCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sweep_records_created_total",
		Help: "Total absence records created by the sweep task",
	})

	registry.MustRegister(regenerateDuration, regenerateBacktracks, scanTotal, sweepCreated)

	return &Metrics{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		regenerateDuration:   regenerateDuration,
		regenerateBacktracks: regenerateBacktracks,
		scanTotal:            scanTotal,
		sweepCreated:         sweepCreated,
	}
}

func (m *Metrics) Handler() http.Handler { return m.handler }

func (m *Metrics) ObserveScan(outcome string) {
	m.scanTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSweep(created int) {
	m.sweepCreated.Add(float64(created))
}

func (m *Metrics) ObserveRegenerateSeconds(seconds float64) {
	m.regenerateDuration.Observe(seconds)
}

func (m *Metrics) ObserveRegenerateBacktracks(count int) {
	m.regenerateBacktracks.Observe(float64(count))
}
