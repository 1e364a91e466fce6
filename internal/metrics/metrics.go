// Package metrics exposes the bridge's Prometheus instruments and the
// health/metrics HTTP endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's instruments. One instance per process, bound to
// a registry so tests can use isolated registries.
type Metrics struct {
	ChunksCaptured  prometheus.Counter
	ChunksDropped   prometheus.Counter
	ChunksPublished prometheus.Counter
	PublishErrors   prometheus.Counter
	QueueDepth      prometheus.Gauge
	PublishLatency  prometheus.Histogram
	ControlCommands *prometheus.CounterVec
}

// New creates and registers the bridge instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sdrbridge_chunks_captured_total",
			Help: "Sample chunks accepted into the handoff queue.",
		}),
		ChunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sdrbridge_chunks_dropped_total",
			Help: "Sample chunks discarded because the handoff queue was full.",
		}),
		ChunksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sdrbridge_chunks_published_total",
			Help: "Sample chunks delivered to the broker.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sdrbridge_publish_errors_total",
			Help: "Publish attempts that failed or were refused while disconnected.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdrbridge_queue_depth",
			Help: "Current occupancy of the handoff queue.",
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sdrbridge_publish_latency_seconds",
			Help:    "Broker acknowledgement latency per published chunk.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ControlCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdrbridge_control_commands_total",
			Help: "Control commands received, by command.",
		}, []string{"command"}),
	}

	reg.MustRegister(
		m.ChunksCaptured,
		m.ChunksDropped,
		m.ChunksPublished,
		m.PublishErrors,
		m.QueueDepth,
		m.PublishLatency,
		m.ControlCommands,
	)
	return m
}

// NewServer builds the HTTP server exposing /metrics and /healthz on addr.
// The caller owns its lifecycle.
func NewServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
