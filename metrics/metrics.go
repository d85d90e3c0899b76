// Package metrics exposes the Prometheus collectors of the round coordinator.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "fedround"

// Registry holds every fedround collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Count of client updates by request status.",
		},
		[]string{"status"},
	)
	iterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Count of closed iterations by outcome.",
		},
		[]string{"outcome", "trigger"},
	)
	iterationParticipants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "iteration_participants",
			Help:      "Distinct participants counted in the current iteration.",
		},
	)
	iterationNumber = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "iteration_number",
			Help:      "Number of the iteration currently collecting updates.",
		},
	)
	aggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Time spent aggregating and publishing an iteration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)
)

var registerMetrics sync.Once

// Register adds all collectors to Registry. It is safe to call more than once.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		Registry.MustRegister(updatesTotal)
		Registry.MustRegister(iterationsTotal)
		Registry.MustRegister(iterationParticipants)
		Registry.MustRegister(iterationNumber)
		Registry.MustRegister(aggregationDuration)
	})
}

// RecordUpdate counts one client update answered with status.
func RecordUpdate(status string) {
	updatesTotal.WithLabelValues(status).Inc()
}

// RecordIteration counts one closed iteration.
func RecordIteration(outcome, trigger string) {
	iterationsTotal.WithLabelValues(outcome, trigger).Inc()
}

// SetParticipants records the participant count of the current iteration.
func SetParticipants(n uint32) {
	iterationParticipants.Set(float64(n))
}

// SetIteration records the current iteration number.
func SetIteration(n uint64) {
	iterationNumber.Set(float64(n))
}

// ObserveAggregation records the duration of one aggregation.
func ObserveAggregation(d time.Duration) {
	aggregationDuration.Observe(d.Seconds())
}
