// Package metrics provides Prometheus instrumentation for flowpipe components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every flowpipe metric.
const Namespace = "flowpipe"

// Registry holds all metric instances for flowpipe components.
type Registry struct {
	// Buffered writer metrics
	WriterFlushes         *prometheus.CounterVec
	WriterBytesFlushed    *prometheus.CounterVec
	WriterFlushesCanceled *prometheus.CounterVec
	WriterFlushErrors     *prometheus.CounterVec
	WriterFlushDuration   *prometheus.HistogramVec

	// Segment metrics
	SegmentPoolSize    *prometheus.GaugeVec
	SegmentAllocations *prometheus.CounterVec

	// Concurrent writer metrics
	ConcurrentBufferedBytes *prometheus.GaugeVec
	ConcurrentModeSwitches  *prometheus.CounterVec
	ConcurrentCoalesced     *prometheus.CounterVec

	// Timing metrics
	TimingWriteTimeouts *prometheus.CounterVec
	TimingAborts        *prometheus.CounterVec
}

// DefaultRegistry is the default metrics registry used by flowpipe components.
var DefaultRegistry *Registry

func init() {
	DefaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		WriterFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "flushes_total",
				Help:      "Total number of writer flushes that reached the sink",
			},
			[]string{"writer_name"},
		),

		WriterBytesFlushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "bytes_flushed_total",
				Help:      "Total bytes written to the sink",
			},
			[]string{"writer_name"},
		),

		WriterFlushesCanceled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "flushes_canceled_total",
				Help:      "Total number of flushes ended by CancelPendingFlush",
			},
			[]string{"writer_name"},
		),

		WriterFlushErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "flush_errors_total",
				Help:      "Total number of flushes that failed",
			},
			[]string{"writer_name"},
		),

		WriterFlushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "writer",
				Name:      "flush_duration_seconds",
				Help:      "Time spent writing and flushing buffered segments",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"writer_name"},
		),

		SegmentPoolSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "segment",
				Name:      "pool_size",
				Help:      "Number of idle segments held for reuse",
			},
			[]string{"writer_name"},
		),

		SegmentAllocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "segment",
				Name:      "allocations_total",
				Help:      "Total segment memory rentals by source",
			},
			[]string{"writer_name", "source"},
		),

		ConcurrentBufferedBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "concurrent",
				Name:      "buffered_bytes",
				Help:      "Bytes held locally while a flush is outstanding",
			},
			[]string{"writer_name"},
		),

		ConcurrentModeSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "concurrent",
				Name:      "mode_switches_total",
				Help:      "Total transitions between passthrough and buffering",
			},
			[]string{"writer_name", "mode"},
		),

		ConcurrentCoalesced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "concurrent",
				Name:      "coalesced_flushes_total",
				Help:      "Total flush calls that joined an outstanding flush",
			},
			[]string{"writer_name"},
		),

		TimingWriteTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "timing",
				Name:      "write_timeouts_total",
				Help:      "Total writes that fell below the minimum data rate",
			},
			[]string{"flusher_name"},
		),

		TimingAborts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "timing",
				Name:      "aborts_total",
				Help:      "Total connections aborted by the timing flusher",
			},
			[]string{"flusher_name", "reason"},
		),
	}
}

// WriterMetrics is a Registry view with the writer name already applied.
// A nil *WriterMetrics records nothing.
type WriterMetrics struct {
	name string
	reg  *Registry
}

// ForWriter returns the metrics of one named writer or flusher.
func (r *Registry) ForWriter(name string) *WriterMetrics {
	if r == nil {
		return nil
	}
	return &WriterMetrics{name: name, reg: r}
}

// Flushed records a successful flush of n bytes.
func (m *WriterMetrics) Flushed(n int64, d time.Duration) {
	if m == nil {
		return
	}
	m.reg.WriterFlushes.WithLabelValues(m.name).Inc()
	m.reg.WriterBytesFlushed.WithLabelValues(m.name).Add(float64(n))
	m.reg.WriterFlushDuration.WithLabelValues(m.name).Observe(d.Seconds())
}

// FlushCanceled records a flush interrupted by CancelPendingFlush.
func (m *WriterMetrics) FlushCanceled() {
	if m == nil {
		return
	}
	m.reg.WriterFlushesCanceled.WithLabelValues(m.name).Inc()
}

// FlushFailed records a flush that returned an error.
func (m *WriterMetrics) FlushFailed() {
	if m == nil {
		return
	}
	m.reg.WriterFlushErrors.WithLabelValues(m.name).Inc()
}

// SegmentAllocated records a segment rental from source ("pool" or "array").
func (m *WriterMetrics) SegmentAllocated(source string) {
	if m == nil {
		return
	}
	m.reg.SegmentAllocations.WithLabelValues(m.name, source).Inc()
}

// SegmentPool sets the idle segment count.
func (m *WriterMetrics) SegmentPool(n int) {
	if m == nil {
		return
	}
	m.reg.SegmentPoolSize.WithLabelValues(m.name).Set(float64(n))
}

// Buffered sets the bytes held by a concurrent writer.
func (m *WriterMetrics) Buffered(n int64) {
	if m == nil {
		return
	}
	m.reg.ConcurrentBufferedBytes.WithLabelValues(m.name).Set(float64(n))
}

// ModeSwitched records a transition into mode.
func (m *WriterMetrics) ModeSwitched(mode string) {
	if m == nil {
		return
	}
	m.reg.ConcurrentModeSwitches.WithLabelValues(m.name, mode).Inc()
}

// Coalesced records a flush call that joined an outstanding flush.
func (m *WriterMetrics) Coalesced() {
	if m == nil {
		return
	}
	m.reg.ConcurrentCoalesced.WithLabelValues(m.name).Inc()
}

// WriteTimedOut records a minimum data rate violation.
func (m *WriterMetrics) WriteTimedOut() {
	if m == nil {
		return
	}
	m.reg.TimingWriteTimeouts.WithLabelValues(m.name).Inc()
}

// Aborted records a connection abort with reason.
func (m *WriterMetrics) Aborted(reason string) {
	if m == nil {
		return
	}
	m.reg.TimingAborts.WithLabelValues(m.name, reason).Inc()
}
