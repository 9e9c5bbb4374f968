package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// EngineMetrics contains execution-engine business metrics
type EngineMetrics struct {
	OrdersCreated    prometheus.Counter
	OrdersConfirmed  prometheus.Counter
	OrdersFailed     prometheus.Counter
	EventsPublished  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	EventsDelivered  prometheus.Counter
	WSConnections    prometheus.Gauge
	ScopesActive     prometheus.Gauge
	LifecycleDuration prometheus.Histogram
}

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewEngineMetrics creates business metrics for the execution engine
func NewEngineMetrics(serviceName string) *EngineMetrics {
	return &EngineMetrics{
		OrdersCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_created_total",
				Help: "Total number of orders accepted for execution",
			},
		),
		OrdersConfirmed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_confirmed_total",
				Help: "Total number of orders confirmed on chain",
			},
		),
		OrdersFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_orders_failed_total",
				Help: "Total number of orders that reached the failed state",
			},
		),
		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_status_events_published_total",
				Help: "Total number of status events published to the broker",
			},
			[]string{"status"},
		),
		EventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_status_events_dropped_total",
				Help: "Total number of status events dropped on publish failure",
			},
		),
		EventsDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_status_events_delivered_total",
				Help: "Total number of status event frames delivered to subscribers",
			},
		),
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: serviceName + "_ws_connections",
				Help: "Number of live WebSocket subscriber connections",
			},
		),
		ScopesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: serviceName + "_order_scopes_active",
				Help: "Number of per-order resource scopes currently open",
			},
		),
		LifecycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_lifecycle_duration_seconds",
				Help:    "Wall-clock duration of a full order lifecycle run",
				Buckets: []float64{1, 2.5, 5, 10, 30, 60, 90, 120},
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
