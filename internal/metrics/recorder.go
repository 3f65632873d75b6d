// Package metrics exposes schedule lifecycle counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polysleep"

// PrometheusRecorder implements schedules.MetricsRecorder using Prometheus counters.
type PrometheusRecorder struct {
	once        sync.Once
	registry    *prom.Registry
	activations *prom.CounterVec
	undos       *prom.CounterVec
	backfilled  prom.Counter
}

// NewPrometheusRecorder constructs and registers the counters on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{registry: reg}
	pr.once.Do(func() {
		pr.activations = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Schedule activations by result",
		}, []string{"result"})
		pr.undos = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "undo_total",
			Help:      "Undo attempts by result",
		}, []string{"result"})
		pr.backfilled = prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "migration_backfilled_total",
			Help:      "Adaptation states created by the legacy migration",
		})
		reg.MustRegister(pr.activations, pr.undos, pr.backfilled)
	})
	return pr
}

// IncActivation counts one activation attempt.
func (pr *PrometheusRecorder) IncActivation(result string) {
	pr.activations.WithLabelValues(result).Inc()
}

// IncUndo counts one undo attempt.
func (pr *PrometheusRecorder) IncUndo(result string) {
	pr.undos.WithLabelValues(result).Inc()
}

// AddMigrationBackfilled adds the number of backfilled adaptation states.
func (pr *PrometheusRecorder) AddMigrationBackfilled(count int) {
	if count <= 0 {
		return
	}
	pr.backfilled.Add(float64(count))
}

// Handler serves the recorder's registry.
func (pr *PrometheusRecorder) Handler() http.Handler {
	return HTTPHandler(pr.registry)
}

// HTTPHandler returns an http.Handler that serves Prometheus metrics for the provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
