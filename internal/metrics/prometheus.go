package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gfs"

// Master holds the coordinator's Prometheus metrics. All methods are safe on a
// nil receiver so components can run without metrics.
type Master struct {
	RegisteredServers prometheus.Gauge
	Primary           prometheus.Gauge
	HeartbeatsTotal   prometheus.Counter
	ElectionsTotal    *prometheus.CounterVec
	NodeFailures      prometheus.Counter
	FileReports       prometheus.Counter
	RequestsTotal     *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
}

// NewMaster creates and registers the master metrics on reg.
func NewMaster(reg prometheus.Registerer) *Master {
	f := promauto.With(reg)

	return &Master{
		RegisteredServers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "registered_servers",
			Help:      "Number of chunk servers known to the registry",
		}),
		Primary: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "primary_server_id",
			Help:      "Id of the current primary chunk server, -1 when none is selected",
		}),
		HeartbeatsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeats received",
		}),
		ElectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "elections_total",
			Help:      "Total number of primary elections by policy",
		}, []string{"policy"}),
		NodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "node_failures_total",
			Help:      "Total number of chunk servers marked failed",
		}),
		FileReports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "file_reports_total",
			Help:      "Total number of accepted file reports",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "requests_total",
			Help:      "Total number of requests by message kind",
		}, []string{"kind"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed or rejected messages",
		}),
	}
}

func (m *Master) SetRegistered(n int) {
	if m == nil {
		return
	}
	m.RegisteredServers.Set(float64(n))
}

func (m *Master) SetPrimary(id int, ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.Primary.Set(-1)
		return
	}
	m.Primary.Set(float64(id))
}

func (m *Master) Heartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.Inc()
}

func (m *Master) Election(policy string) {
	if m == nil {
		return
	}
	m.ElectionsTotal.WithLabelValues(policy).Inc()
}

func (m *Master) NodeFailed() {
	if m == nil {
		return
	}
	m.NodeFailures.Inc()
}

func (m *Master) FileReported() {
	if m == nil {
		return
	}
	m.FileReports.Inc()
}

func (m *Master) Request(kind string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind).Inc()
}

func (m *Master) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// ChunkServer holds a chunk server's Prometheus metrics.
type ChunkServer struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	TimeoutsTotal     prometheus.Counter
	ReportFailures    prometheus.Counter
	HeartbeatFailures prometheus.Counter
}

// NewChunkServer creates and registers the chunk server metrics on reg,
// labelled with the node id.
func NewChunkServer(reg prometheus.Registerer, nodeID int) *ChunkServer {
	f := promauto.With(reg)
	labels := prometheus.Labels{"node_id": strconv.Itoa(nodeID)}

	return &ChunkServer{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "chunkserver",
			Name:        "operations_total",
			Help:        "Total number of file operations by operation and result",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "chunkserver",
			Name:        "operation_duration_seconds",
			Help:        "Histogram of file operation durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		TimeoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "chunkserver",
			Name:        "timeouts_total",
			Help:        "Total number of requests answered with TIMEOUT_ERROR",
			ConstLabels: labels,
		}),
		ReportFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "chunkserver",
			Name:        "report_failures_total",
			Help:        "Total number of file reports that could not reach the master",
			ConstLabels: labels,
		}),
		HeartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "chunkserver",
			Name:        "heartbeat_failures_total",
			Help:        "Total number of heartbeats that could not reach the master",
			ConstLabels: labels,
		}),
	}
}

func (m *ChunkServer) Operation(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *ChunkServer) Timeout() {
	if m == nil {
		return
	}
	m.TimeoutsTotal.Inc()
}

func (m *ChunkServer) ReportFailed() {
	if m == nil {
		return
	}
	m.ReportFailures.Inc()
}

func (m *ChunkServer) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}
