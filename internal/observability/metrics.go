package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the tracker.
type Metrics struct {
	StreamConnections *prometheus.GaugeVec
	StreamReconnects  *prometheus.CounterVec
	StreamEvents      *prometheus.CounterVec
	TaskOperations    *prometheus.CounterVec
	PollCycles        prometheus.Counter
	ProcessDuration   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		StreamConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connections",
			Help:      "Open push-stream connections by stream key.",
		}, []string{"stream"}),
		StreamReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Stream reconnect attempts by stream key.",
		}, []string{"stream"}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Push-stream events by type.",
		}, []string{"type"}),
		TaskOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_operations_total",
			Help:      "Task operations by action and outcome.",
		}, []string{"action", "outcome"}),
		PollCycles: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Polling-fallback refresh cycles.",
		}),
		ProcessDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Reported duration of task processing in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
}

func (m *Metrics) StreamConnected(stream string) {
	m.StreamConnections.WithLabelValues(stream).Inc()
}

func (m *Metrics) StreamDisconnected(stream string) {
	m.StreamConnections.WithLabelValues(stream).Dec()
}

// ObserveProcessSeconds records one reported processing duration. Upstream
// reports seconds as a float, so no time.Duration conversion happens here.
func (m *Metrics) ObserveProcessSeconds(seconds float64) {
	m.ProcessDuration.Observe(seconds)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
