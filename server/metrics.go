package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blockserve/nbdserver/nbd"
)

// Metrics groups the counters and gauges exported for observability.
// Grounded on the metrics-registration shape used by lab47-lsvd's own NBD
// server (one promauto constructor per signal, held on a struct rather
// than package globals so tests can build disjoint registries).
type Metrics struct {
	ConnectionsTotal prometheus.Counter
	ConnectionsOpen  prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	RequestErrors    *prometheus.CounterVec
	RequestBytes     *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	InFlight         prometheus.Gauge
}

// NewMetrics registers every series against reg and returns the handles
// used to record them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "nbd_connections_total",
			Help: "Total client connections accepted.",
		}),
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nbd_connections_open",
			Help: "Client connections currently being served.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_requests_total",
			Help: "Requests processed, by command.",
		}, []string{"command"}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_request_errors_total",
			Help: "Requests that completed with a non-zero NBD error, by command and errno.",
		}, []string{"command", "errno"}),
		RequestBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_request_bytes_total",
			Help: "Bytes transferred by READ/WRITE requests, by command.",
		}, []string{"command"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nbd_request_duration_seconds",
			Help:    "Backend dispatch latency, by command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nbd_requests_in_flight",
			Help: "Requests received but not yet replied to, across all connections.",
		}),
	}
}

// ConnectionOpened implements nbd.MetricsSink.
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsOpen.Inc()
}

// ConnectionClosed implements nbd.MetricsSink.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsOpen.Dec()
}

// RequestStarted implements nbd.MetricsSink.
func (m *Metrics) RequestStarted() {
	m.InFlight.Inc()
}

// RequestFinished implements nbd.MetricsSink.
func (m *Metrics) RequestFinished() {
	m.InFlight.Dec()
}

var commandNames = map[uint16]string{
	nbd.CmdRead:  "read",
	nbd.CmdWrite: "write",
	nbd.CmdDisc:  "disc",
	nbd.CmdFlush: "flush",
	nbd.CmdTrim:  "trim",
}

// RequestCompleted implements nbd.MetricsSink.
func (m *Metrics) RequestCompleted(command uint16, errno uint32, bytes int, duration time.Duration) {
	name, ok := commandNames[command]
	if !ok {
		name = strconv.Itoa(int(command))
	}
	m.RequestsTotal.WithLabelValues(name).Inc()
	m.RequestDuration.WithLabelValues(name).Observe(duration.Seconds())
	if bytes > 0 && (command == nbd.CmdRead || command == nbd.CmdWrite) {
		m.RequestBytes.WithLabelValues(name).Add(float64(bytes))
	}
	if errno != 0 {
		m.RequestErrors.WithLabelValues(name, strconv.Itoa(int(errno))).Inc()
	}
}
