package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the luahttp meters.
type Metrics struct {
	Registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	BytesProcessed  *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	ConnectionsOpen prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	AbandonedTotal  prometheus.Counter

	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with the luahttp metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "luahttp_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds, including the script call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "luahttp_requests_total",
			Help: "Total number of HTTP requests served.",
		}, []string{"status"}),
		BytesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "luahttp_bytes_processed_total",
			Help: "Total response bytes written.",
		}, []string{"direction"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "luahttp_errors_total",
			Help: "Total number of errors.",
		}, []string{"operation", "type"}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "luahttp_connections_open",
			Help: "Number of open transport connections.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "luahttp_script_queue_depth",
			Help: "Script calls waiting for their worker.",
		}, []string{"worker"}),
		AbandonedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "luahttp_script_abandoned_total",
			Help: "Script calls abandoned after the request timeout.",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "luahttp_operation_duration_seconds",
			Help:    "Duration of internal operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "luahttp_operation_total",
			Help: "Total number of internal operations.",
		}, []string{"operation", "status"}),
	}

	reg.MustRegister(
		m.RequestDuration,
		m.RequestsTotal,
		m.BytesProcessed,
		m.ErrorsTotal,
		m.ConnectionsOpen,
		m.QueueDepth,
		m.AbandonedTotal,
		m.OperationDuration,
		m.OperationTotal,
	)
	return m
}
