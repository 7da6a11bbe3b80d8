// Package metrics exposes counters for the alert distribution pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service counters. A nil *Metrics is valid and turns all
// recording into no-ops, which keeps tests quiet.
type Metrics struct {
	registry *prometheus.Registry

	published prometheus.Counter
	accepted  *prometheus.CounterVec
	rejected  *prometheus.CounterVec
}

// New creates the counter set on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "findme",
			Name:      "alerts_published_total",
			Help:      "Alerts appended to the store by this node.",
		}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "findme",
			Name:      "alerts_accepted_total",
			Help:      "Alerts accepted by the freshness filter, per observer.",
		}, []string{"observer"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "findme",
			Name:      "alerts_rejected_total",
			Help:      "Alerts rejected by the freshness filter, per observer.",
		}, []string{"observer"}),
	}

	registry.MustRegister(m.published, m.accepted, m.rejected)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AlertPublished records one successful append to the store.
func (m *Metrics) AlertPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

// AlertAccepted records one accepted alert for the observer.
func (m *Metrics) AlertAccepted(observerID string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(observerID).Inc()
}

// AlertRejected records one rejected alert for the observer.
func (m *Metrics) AlertRejected(observerID string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(observerID).Inc()
}
