// Package metrics provides Prometheus metrics export for the chat core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. A single instance
// is created at startup and handed to components at construction.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway metrics
	ConnectionsActive prometheus.Gauge
	MessagesSent      *prometheus.CounterVec
	RateLimited       prometheus.Counter

	// Bus metrics
	BusPublished *prometheus.CounterVec
	BusDelivered *prometheus.CounterVec
	BusRetries   *prometheus.CounterVec
	BusDead      *prometheus.CounterVec

	// Classifier metrics
	ClassifierDecisions *prometheus.CounterVec
	ClassifierLatency   *prometheus.HistogramVec

	// Orchestration metrics
	TurnsProcessed *prometheus.CounterVec
	LLMLatency     prometheus.Histogram
}

var defaultLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

// New creates the metrics set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{registry: registry}

	m.ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "codeforge",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Number of open websocket connections",
	})
	m.MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeforge",
		Subsystem: "gateway",
		Name:      "messages_total",
		Help:      "Total messages appended through the gateway",
	}, []string{"role"})
	m.RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "codeforge",
		Subsystem: "gateway",
		Name:      "rate_limited_total",
		Help:      "SendMessage calls rejected by the per-user limiter",
	})

	m.BusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeforge",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Envelopes published per topic",
	}, []string{"topic"})
	m.BusDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeforge",
		Subsystem: "bus",
		Name:      "delivered_total",
		Help:      "Envelopes acknowledged per topic",
	}, []string{"topic"})
	m.BusRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeforge",
		Subsystem: "bus",
		Name:      "retries_total",
		Help:      "Delivery attempts that failed and were rescheduled",
	}, []string{"topic"})
	m.BusDead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeforge",
		Subsystem: "bus",
		Name:      "dead_letters_total",
		Help:      "Envelopes moved to the dead-letter set",
	}, []string{"topic"})

	m.ClassifierDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeforge",
		Subsystem: "classifier",
		Name:      "decisions_total",
		Help:      "Classification decisions per tier used",
	}, []string{"tier"})
	m.ClassifierLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeforge",
		Subsystem: "classifier",
		Name:      "latency_seconds",
		Help:      "Classification latency per tier used",
		Buckets:   defaultLatencyBuckets,
	}, []string{"tier"})

	m.TurnsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeforge",
		Subsystem: "orchestration",
		Name:      "turns_total",
		Help:      "Orchestrated turns per outcome",
	}, []string{"status"})
	m.LLMLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codeforge",
		Subsystem: "orchestration",
		Name:      "llm_latency_seconds",
		Help:      "LLM completion latency in seconds",
		Buckets:   defaultLatencyBuckets,
	})

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionsActive,
		m.MessagesSent,
		m.RateLimited,
		m.BusPublished,
		m.BusDelivered,
		m.BusRetries,
		m.BusDead,
		m.ClassifierDecisions,
		m.ClassifierLatency,
		m.TurnsProcessed,
		m.LLMLatency,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
