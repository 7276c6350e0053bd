package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arena"

// Metrics implements telemetry.Metrics on top of a Prometheus registry. Keys
// become the "key" label of a shared counter and gauge family; the session
// gauges used by the server:metrics broadcast have dedicated series.
type Metrics struct {
	counters          *prometheus.CounterVec
	gauges            *prometheus.GaugeVec
	activeConnections prometheus.Gauge
	averageLatency    prometheus.Gauge
	pendingReliable   prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	mu     sync.Mutex
	totals map[string]uint64
}

// NewMetrics registers the metric families with reg. A nil registerer creates
// a private registry so tests can build several instances.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session core events by key.",
		}, []string{"key"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "value",
			Help:      "Session core gauges by key.",
		}, []string{"key"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active_connections",
			Help:      "Connections currently registered.",
		}),
		averageLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "average_latency_milliseconds",
			Help:      "Mean observed ping latency across active connections.",
		}),
		pendingReliable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reliable",
			Name:      "pending_messages",
			Help:      "Outbound reliable messages awaiting acknowledgement.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		totals: make(map[string]uint64),
	}
	reg.MustRegister(m.counters, m.gauges, m.activeConnections, m.averageLatency, m.pendingReliable, m.httpRequests, m.httpDuration)
	return m
}

// Add increments the counter for key.
func (m *Metrics) Add(key string, delta uint64) {
	if m == nil || key == "" {
		return
	}
	m.counters.WithLabelValues(key).Add(float64(delta))
	m.mu.Lock()
	m.totals[key] += delta
	m.mu.Unlock()
}

// Store sets the gauge for key.
func (m *Metrics) Store(key string, value uint64) {
	if m == nil || key == "" {
		return
	}
	m.gauges.WithLabelValues(key).Set(float64(value))
}

// ObserveSessions records the figures carried by the periodic metrics broadcast.
func (m *Metrics) ObserveSessions(active int, averageLatencyMillis float64, pending int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(active))
	m.averageLatency.Set(averageLatencyMillis)
	m.pendingReliable.Set(float64(pending))
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// Snapshot returns the accumulated counter totals keyed by name.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.totals))
	for k, v := range m.totals {
		out[k] = v
	}
	return out
}
