package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	Generations       *prometheus.CounterVec
	Chunks            prometheus.Counter
	PersistJobs       *prometheus.CounterVec
	PersistQueueDepth prometheus.Gauge
	DegradedContexts  *prometheus.CounterVec
	FirstChunkLatency prometheus.Histogram
}

// NewMetrics registers instruments on a private registry so tests can build
// as many instances as they like.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open chat sessions.",
		}),
		Generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Inbound messages by outcome.",
		}, []string{"outcome"}),
		Chunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_chunks_total",
			Help:      "Response chunks forwarded to clients.",
		}),
		PersistJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_jobs_total",
			Help:      "Background persistence jobs by outcome.",
		}, []string{"outcome"}),
		PersistQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persistence_pending_jobs",
			Help:      "Persistence jobs accepted but not yet durable.",
		}),
		DegradedContexts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_contexts_total",
			Help:      "Context assemblies that fell back to short-term memory only.",
		}, []string{"reason"}),
		FirstChunkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency from inbound message to first response chunk in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000, 10000},
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) Generation(outcome string) {
	if m != nil {
		m.Generations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Chunk() {
	if m != nil {
		m.Chunks.Inc()
	}
}

func (m *Metrics) PersistJob(outcome string) {
	if m != nil {
		m.PersistJobs.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) PersistPending(delta float64) {
	if m != nil {
		m.PersistQueueDepth.Add(delta)
	}
}

func (m *Metrics) Degraded(reason string) {
	if m != nil {
		m.DegradedContexts.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveFirstChunkLatency(d time.Duration) {
	if m != nil {
		m.FirstChunkLatency.Observe(float64(d.Milliseconds()))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
