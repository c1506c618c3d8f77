package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/resonant/internal/protocol"
)

const namespace = "resonant"

// Metrics holds every collector a peer reports. Collectors carry a constant
// node label so several peers can share one registry.
type Metrics struct {
	framesReceived   *prometheus.CounterVec
	framesSent       *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	streamsCompleted *prometheus.CounterVec
	streamsFailed    *prometheus.CounterVec
	streamsActive    prometheus.Gauge
	streamBytes      prometheus.Histogram
	streamDuration   prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer, node string) *Metrics {
	labels := prometheus.Labels{"node": node}
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "frames",
			Name:        "received_total",
			Help:        "Frames decoded successfully.",
			ConstLabels: labels,
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "frames",
			Name:        "sent_total",
			Help:        "Frames written to the transport.",
			ConstLabels: labels,
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "frames",
			Name:        "dropped_total",
			Help:        "Frames rejected or discarded before reaching the sink.",
			ConstLabels: labels,
		}, []string{"reason"}),
		streamsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "streams",
			Name:        "completed_total",
			Help:        "Streams reassembled and verified.",
			ConstLabels: labels,
		}, []string{"type"}),
		streamsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "streams",
			Name:        "failed_total",
			Help:        "Streams terminated before completion.",
			ConstLabels: labels,
		}, []string{"reason"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "streams",
			Name:        "active",
			Help:        "Streams currently accumulating.",
			ConstLabels: labels,
		}),
		streamBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "streams",
			Name:        "bytes",
			Help:        "Payload size of completed streams.",
			Buckets:     prometheus.ExponentialBuckets(64, 4, 10),
			ConstLabels: labels,
		}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "streams",
			Name:        "duration_seconds",
			Help:        "Time from HEAD to TAIL of completed streams.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total admin HTTP requests.",
			ConstLabels: labels,
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "Admin HTTP request duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"method", "path", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.framesReceived,
		m.framesSent,
		m.framesDropped,
		m.streamsCompleted,
		m.streamsFailed,
		m.streamsActive,
		m.streamBytes,
		m.streamDuration,
		m.httpRequests,
		m.httpDuration,
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns a process-wide Metrics registered on the default
// prometheus registry.
func Default(node string) *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer, node)
	})
	return defaultMetrics
}

func (m *Metrics) FrameReceived(t protocol.MsgType) {
	m.framesReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) FrameSent(t protocol.MsgType) {
	m.framesSent.WithLabelValues(t.String()).Inc()
}

// FrameDropped counts a discarded frame under a short reason label, e.g.
// protocol.Reason(err) or "space_mismatch".
func (m *Metrics) FrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) StreamCompleted(t protocol.MsgType, bytes int, took time.Duration) {
	m.streamsCompleted.WithLabelValues(t.String()).Inc()
	m.streamBytes.Observe(float64(bytes))
	m.streamDuration.Observe(took.Seconds())
}

func (m *Metrics) StreamFailed(reason string) {
	m.streamsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveStreams(n int) {
	m.streamsActive.Set(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
