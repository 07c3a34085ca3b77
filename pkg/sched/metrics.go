package sched

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the scheduler.
type Metrics struct {
	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	parked         prometheus.Gauge
	parkTimeouts   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the scheduler metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_requests_total",
				Help: "Completed policy evaluations by policy and result code",
			},
			[]string{"policy", "rcode"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeep_request_duration_seconds",
				Help:    "Wall-clock latency from submit to completion, parked time included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"policy"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeep_queue_depth",
			Help: "Tasks waiting for a worker",
		}),
		parked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeep_parked_requests",
			Help: "Requests suspended awaiting an external event",
		}),
		parkTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeep_park_timeouts_total",
			Help: "Parked requests cancelled by the park timeout",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestLatency,
		m.queueDepth,
		m.parked,
		m.parkTimeouts,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
