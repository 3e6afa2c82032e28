// Package metrics holds the Prometheus collectors for an EpochChat instance.
//
// Every Registry owns a private prometheus.Registry, so tests (and several
// gateways in one process) never collide on the global default registerer.
// Callers keep a nil *Registry when metrics are disabled and guard each
// update with a nil check.
//
// # Metric families
//
//	epochchat_connections                        gauge
//	epochchat_frames_in_total{type}              counter
//	epochchat_frames_out_total{type}             counter
//	epochchat_frames_rejected_total{reason}      counter
//	epochchat_messages_persisted_total           counter
//	epochchat_receipts_published_total{type}     counter
//	epochchat_broker_publish_errors_total        counter
//	epochchat_degraded_dispatch_total            counter
//	epochchat_resync_delivered_total             counter
//	epochchat_connections_superseded_total       counter
//	epochchat_slow_consumer_closes_total         counter
//	epochchat_http_requests_total{method,path,status}
//	epochchat_http_request_duration_seconds{method,path}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "epochchat"

// Registry holds all EpochChat application metrics.
type Registry struct {
	reg *prometheus.Registry

	// Gateway.
	Connections       prometheus.Gauge
	FramesIn          *prometheus.CounterVec
	FramesOut         *prometheus.CounterVec
	Rejected          *prometheus.CounterVec
	Persisted         prometheus.Counter
	Superseded        prometheus.Counter
	SlowConsumerClose prometheus.Counter

	// Fan-out and receipts.
	Receipts         *prometheus.CounterVec
	PublishErrors    prometheus.Counter
	DegradedDispatch prometheus.Counter
	ResyncDelivered  prometheus.Counter

	// HTTP surface.
	HTTPReqs     *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Registry with every collector registered, plus the standard
// Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live WebSocket connections on this instance",
		}),
		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_in_total",
			Help:      "Client frames received, by type",
		}, []string{"type"}),
		FramesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_out_total",
			Help:      "Server frames written to sockets, by type",
		}, []string{"type"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Client frames answered with an error frame, by reason",
		}, []string{"reason"}),
		Persisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages accepted and written to the store",
		}),
		Superseded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_superseded_total",
			Help:      "Connections replaced by a newer connection for the same peer",
		}),
		SlowConsumerClose: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_closes_total",
			Help:      "Connections closed because their send queue was full",
		}),

		Receipts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_published_total",
			Help:      "Receipt events published, by type",
		}, []string{"type"}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_errors_total",
			Help:      "Broker publish calls that failed",
		}),
		DegradedDispatch: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_dispatch_total",
			Help:      "Events dispatched in-process after a broker publish failure",
		}),
		ResyncDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_delivered_total",
			Help:      "Messages moved to delivered by the reconnect sweep",
		}),

		HTTPReqs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler renders every metric in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
