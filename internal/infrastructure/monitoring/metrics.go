package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
//
// Every Record*/Set* method is safe to call on a nil *Metrics so that
// components can be built without monitoring in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Frame metrics
	FramesActive       prometheus.Gauge
	Navigations        *prometheus.CounterVec
	NavigationDuration prometheus.Histogram
	PushFailures       *prometheus.CounterVec
	FrameOps           *prometheus.CounterVec
	FrameOpDuration    *prometheus.HistogramVec

	// RPC metrics
	RPCCalls    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
	RPCDropped  *prometheus.CounterVec

	// Network virtualization metrics
	CacheLookups    *prometheus.CounterVec
	BlockedRequests prometheus.Counter
	TransportFetch  *prometheus.CounterVec

	// Worker virtualization metrics
	ProbeDuration   prometheus.Histogram
	ProbeOutcomes   *prometheus.CounterVec
	ImportsObserved prometheus.Histogram
	WorkersActive   prometheus.Gauge

	// Storage metrics
	StorageSyncs *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	Uptime    prometheus.Gauge
	startTime time.Time
	stopOnce  sync.Once
	stop      chan struct{}
}

// NewMetrics creates a metrics collector on its own registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),
		stop:      make(chan struct{}),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxyframe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		FramesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxyframe_frames_active",
				Help: "Number of registered frames",
			},
		),
		Navigations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_navigations_total",
				Help: "Navigations by outcome",
			},
			[]string{"outcome"},
		),
		NavigationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proxyframe_navigation_duration_seconds",
				Help:    "Time from navigate to page-load acknowledgement",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		PushFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_page_push_failures_total",
				Help: "Rejected page-load pushes by attempt",
			},
			[]string{"attempt"},
		),
		FrameOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_frame_operations_total",
				Help: "API frame operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		FrameOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxyframe_frame_operation_duration_seconds",
				Help:    "API frame operation duration in seconds",
				Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		RPCCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_rpc_calls_total",
				Help: "RPC calls by channel and status",
			},
			[]string{"channel", "status"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxyframe_rpc_duration_seconds",
				Help:    "RPC round-trip duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"channel"},
		),
		RPCDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_rpc_dropped_total",
				Help: "Inbound RPC messages dropped by reason",
			},
			[]string{"reason"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_cache_lookups_total",
				Help: "Resource cache lookups by result",
			},
			[]string{"result"},
		),
		BlockedRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "proxyframe_blocked_requests_total",
				Help: "Requests refused while the network was disabled",
			},
		),
		TransportFetch: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_transport_fetches_total",
				Help: "External transport fetches by status",
			},
			[]string{"status"},
		),

		ProbeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proxyframe_worker_probe_duration_seconds",
				Help:    "Duration of worker import probes",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2},
			},
		),
		ProbeOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_worker_probes_total",
				Help: "Worker probes by outcome",
			},
			[]string{"outcome"},
		),
		ImportsObserved: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proxyframe_worker_imports_observed",
				Help:    "Imported script URLs discovered per probe",
				Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
			},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxyframe_workers_active",
				Help: "Number of running virtualized workers",
			},
		),

		StorageSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyframe_storage_syncs_total",
				Help: "Local storage sync calls by status",
			},
			[]string{"status"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxyframe_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "proxyframe_uptime_seconds",
				Help: "Host uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Close stops the uptime updater
func (m *Metrics) Close() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		case <-m.stop:
			return
		}
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetFramesActive sets the number of registered frames
func (m *Metrics) SetFramesActive(count int) {
	if m == nil {
		return
	}
	m.FramesActive.Set(float64(count))
}

// RecordNavigation records a finished navigation
func (m *Metrics) RecordNavigation(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Navigations.WithLabelValues(outcome).Inc()
	m.NavigationDuration.Observe(duration.Seconds())
}

// RecordPushFailure records a rejected page-load push
func (m *Metrics) RecordPushFailure(attempt string) {
	if m == nil {
		return
	}
	m.PushFailures.WithLabelValues(attempt).Inc()
}

// RecordFrameOperation records one API operation on a frame
func (m *Metrics) RecordFrameOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FrameOps.WithLabelValues(operation, status).Inc()
	m.FrameOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// StartTime is when the collector was created
func (m *Metrics) StartTime() time.Time {
	if m == nil {
		return time.Time{}
	}
	return m.startTime
}

// RecordRPCCall records an outbound call and its round-trip time
func (m *Metrics) RecordRPCCall(channel, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(channel, status).Inc()
	m.RPCDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordRPCDropped records an inbound message that was discarded
func (m *Metrics) RecordRPCDropped(reason string) {
	if m == nil {
		return
	}
	m.RPCDropped.WithLabelValues(reason).Inc()
}

// RecordCacheLookup records a resource cache lookup ("hit", "miss-permanent", "absent")
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// IncBlockedRequests counts a request refused in network-disabled mode
func (m *Metrics) IncBlockedRequests() {
	if m == nil {
		return
	}
	m.BlockedRequests.Inc()
}

// RecordTransportFetch records an external transport fetch ("ok", "error")
func (m *Metrics) RecordTransportFetch(status string) {
	if m == nil {
		return
	}
	m.TransportFetch.WithLabelValues(status).Inc()
}

// RecordProbe records a finished worker probe
func (m *Metrics) RecordProbe(outcome string, duration time.Duration, imports int) {
	if m == nil {
		return
	}
	m.ProbeOutcomes.WithLabelValues(outcome).Inc()
	m.ProbeDuration.Observe(duration.Seconds())
	m.ImportsObserved.Observe(float64(imports))
}

// IncWorkersActive increments running workers
func (m *Metrics) IncWorkersActive() {
	if m == nil {
		return
	}
	m.WorkersActive.Inc()
}

// DecWorkersActive decrements running workers
func (m *Metrics) DecWorkersActive() {
	if m == nil {
		return
	}
	m.WorkersActive.Dec()
}

// RecordStorageSync records a local storage sync ("ok", "no_origin", "persist_error")
func (m *Metrics) RecordStorageSync(status string) {
	if m == nil {
		return
	}
	m.StorageSyncs.WithLabelValues(status).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
