// Package prometheus provides the Prometheus-backed implementations of the
// metrics interfaces.
package prometheus

import (
	"strconv"

	"github.com/marmos91/fabstream/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics is the Prometheus implementation of metrics.EngineMetrics.
type engineMetrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	bytesWritten   prometheus.Counter
	bytesReleased  prometheus.Counter
	progressMsgs   *prometheus.CounterVec
	vectorMsgs     *prometheus.CounterVec
	vectorIOVs     *prometheus.HistogramVec
	fragments      prometheus.Counter
	workerLoad     *prometheus.GaugeVec
}

// NewEngineMetrics creates a Prometheus-backed engine metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewEngineMetrics() metrics.EngineMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	reg := metrics.GetRegistry()

	return &engineMetrics{
		sessionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fabstream_sessions_active",
			Help: "Number of transfer sessions currently assigned to workers",
		}),
		sessionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fabstream_sessions_total",
			Help: "Total number of retired transfer sessions by outcome",
		}, []string{"outcome"}), // "end", "error"
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fabstream_payload_bytes_written_total",
			Help: "Payload bytes observed delivery-complete by the transmitter",
		}),
		bytesReleased: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fabstream_payload_bytes_released_total",
			Help: "Payload bytes released by the receiver to its sink",
		}),
		progressMsgs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fabstream_progress_messages_total",
			Help: "Progress messages by direction",
		}, []string{"direction"}), // "tx", "rx"
		vectorMsgs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fabstream_vector_messages_total",
			Help: "Vector messages by direction",
		}, []string{"direction"}), // "tx", "rx"
		vectorIOVs: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fabstream_vector_advertisements",
			Help:    "Advertisement records per vector message",
			Buckets: []float64{0, 1, 2, 4, 8, 12},
		}, []string{"direction"}),
		fragments: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fabstream_fragments_allocated_total",
			Help: "Oversize payload loads fragmented across RDMA targets",
		}),
		workerLoad: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fabstream_worker_load_average",
			Help: "Fraction of worker loop passes that serviced a completion",
		}, []string{"worker"}),
	}
}

func (m *engineMetrics) SessionStarted() {
	m.sessionsActive.Inc()
}

func (m *engineMetrics) SessionEnded(failed bool) {
	m.sessionsActive.Dec()
	outcome := "end"
	if failed {
		outcome = "error"
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *engineMetrics) BytesWritten(n int) {
	m.bytesWritten.Add(float64(n))
}

func (m *engineMetrics) BytesReleased(n int) {
	m.bytesReleased.Add(float64(n))
}

func (m *engineMetrics) ProgressSent() {
	m.progressMsgs.WithLabelValues("tx").Inc()
}

func (m *engineMetrics) ProgressReceived() {
	m.progressMsgs.WithLabelValues("rx").Inc()
}

func (m *engineMetrics) VectorSent(niovs int) {
	m.vectorMsgs.WithLabelValues("tx").Inc()
	m.vectorIOVs.WithLabelValues("tx").Observe(float64(niovs))
}

func (m *engineMetrics) VectorReceived(niovs int) {
	m.vectorMsgs.WithLabelValues("rx").Inc()
	m.vectorIOVs.WithLabelValues("rx").Observe(float64(niovs))
}

func (m *engineMetrics) FragmentAllocated() {
	m.fragments.Inc()
}

func (m *engineMetrics) WorkerLoad(worker int, load float64) {
	m.workerLoad.WithLabelValues(strconv.Itoa(worker)).Set(load)
}
