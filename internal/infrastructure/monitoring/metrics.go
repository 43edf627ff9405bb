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

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Transfer metrics
	TransfersActive  *prometheus.GaugeVec
	TransfersTotal   *prometheus.CounterVec
	TransferBytes    *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec

	// Process metrics
	ProcessesSupervised prometheus.Gauge
	ProcessEvents       *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON health endpoint.
type Snapshot struct {
	ActiveTransfers     int64   `json:"active_transfers"`
	CompletedTransfers  int64   `json:"completed_transfers"`
	FailedTransfers     int64   `json:"failed_transfers"`
	TransferredBytes    uint64  `json:"transferred_bytes"`
	SupervisedProcesses int64   `json:"supervised_processes"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
}

// NewMetrics creates a collector backed by its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "companion_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		TransfersActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "companion_transfers_active",
				Help: "Number of transfers in progress",
			},
			[]string{"op"},
		),
		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_transfers_total",
				Help: "Total number of finished transfers",
			},
			[]string{"op", "status"},
		),
		TransferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_transfer_bytes_total",
				Help: "Total bytes moved by transfers",
			},
			[]string{"op"},
		),
		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "companion_transfer_duration_seconds",
				Help:    "Transfer duration in seconds",
				Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"op"},
		),

		ProcessesSupervised: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "companion_processes_supervised",
				Help: "Number of child processes currently supervised",
			},
		),
		ProcessEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "companion_process_events_total",
				Help: "Total number of child process lifecycle events",
			},
			[]string{"event"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "companion_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
	}

	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "companion_uptime_seconds",
			Help: "Companion uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// TransferStarted marks a transfer of the given kind as in progress.
func (m *Metrics) TransferStarted(op string) {
	if m == nil {
		return
	}
	m.TransfersActive.WithLabelValues(op).Inc()

	m.mu.Lock()
	m.snapshot.ActiveTransfers++
	m.mu.Unlock()
}

// TransferFinished records the outcome of a transfer started with TransferStarted.
func (m *Metrics) TransferFinished(op string, bytes uint64, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TransfersActive.WithLabelValues(op).Dec()
	m.TransfersTotal.WithLabelValues(op, status).Inc()
	m.TransferBytes.WithLabelValues(op).Add(float64(bytes))
	m.TransferDuration.WithLabelValues(op).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.ActiveTransfers--
	if err != nil {
		m.snapshot.FailedTransfers++
	} else {
		m.snapshot.CompletedTransfers++
	}
	m.snapshot.TransferredBytes += bytes
	m.mu.Unlock()
}

// SetProcessesSupervised sets the number of supervised children
func (m *Metrics) SetProcessesSupervised(count int) {
	if m == nil {
		return
	}
	m.ProcessesSupervised.Set(float64(count))

	m.mu.Lock()
	m.snapshot.SupervisedProcesses = int64(count)
	m.mu.Unlock()
}

// RecordProcessEvent counts a lifecycle event such as "exited" or "terminated".
func (m *Metrics) RecordProcessEvent(event string) {
	if m == nil {
		return
	}
	m.ProcessEvents.WithLabelValues(event).Inc()
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

// Snapshot returns a copy of the current values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
