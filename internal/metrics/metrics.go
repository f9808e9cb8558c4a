package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline counters
type Metrics struct {
	// Frame processing counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	Detections      atomic.Uint64
	NewInstances    atomic.Uint64
	SnapshotsSaved  atomic.Uint64
	LedgerRows      atomic.Uint64

	// Error counters
	CaptureErrors  atomic.Uint64
	DetectErrors   atomic.Uint64
	SnapshotErrors atomic.Uint64
	LedgerErrors   atomic.Uint64
	PublishErrors  atomic.Uint64

	// Latency of the last processed frame
	ProcessLatencyMs atomic.Uint64

	// 0 = idle or stopped, 1 = running
	SessionActive atomic.Uint64
	StreamClients atomic.Int64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("detection_frames_read_total", "Total frames read from the camera", &m.FramesRead)
	m.counter("detection_frames_processed_total", "Total frames run through the pipeline", &m.FramesProcessed)
	m.counter("detection_detections_total", "Total detections above threshold", &m.Detections)
	m.counter("detection_new_instances_total", "Total detections judged to be new instances", &m.NewInstances)
	m.counter("detection_snapshots_saved_total", "Total snapshots written", &m.SnapshotsSaved)
	m.counter("detection_ledger_rows_total", "Total detection events recorded", &m.LedgerRows)

	m.counter("detection_capture_errors_total", "Total frame read failures", &m.CaptureErrors)
	m.counter("detection_detect_errors_total", "Total detector failures", &m.DetectErrors)
	m.counter("detection_snapshot_errors_total", "Total snapshot write failures", &m.SnapshotErrors)
	m.counter("detection_ledger_errors_total", "Total ledger write failures", &m.LedgerErrors)
	m.counter("detection_publish_errors_total", "Total event publish failures", &m.PublishErrors)

	m.counter("detection_process_latency_ms", "Processing latency of the last frame in ms", &m.ProcessLatencyMs)
	m.counter("detection_session_active", "Whether a session is running (0/1)", &m.SessionActive)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detection_stream_clients",
			Help: "Number of connected video feed clients",
		},
		func() float64 { return float64(m.StreamClients.Load()) },
	))
}

// ObserveProcess records how long one frame took.
func (m *Metrics) ObserveProcess(d time.Duration) {
	m.ProcessLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetActive flips the session gauge.
func (m *Metrics) SetActive(active bool) {
	if active {
		m.SessionActive.Store(1)
		return
	}
	m.SessionActive.Store(0)
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
