package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "slamfeed"

// Metrics holds the prometheus collectors for one pipeline. All methods are
// safe on a nil receiver so callers may run with metrics disabled.
type Metrics struct {
	// Ingestion
	recordsRead    *prometheus.CounterVec // Raw records pulled from a reader
	recordsDropped *prometheus.CounterVec // Filtered records by reason
	decodeErrors   *prometheus.CounterVec // Records that failed to decode
	chunksClosed   *prometheus.CounterVec // Chunks handed to the batch factory
	streamState    *prometheus.GaugeVec   // Stream lifecycle state

	// Batching
	batchesClosed prometheus.Counter
	batchBytes    prometheus.Histogram
	batchElements prometheus.Histogram

	// Memory
	backpressure      prometheus.Gauge // 1 while the gate holds readers back
	memoryUsedPercent prometheus.Gauge
}

// NewMetrics creates the pipeline collectors and registers them with reg.
// A nil registerer returns nil metrics, which disables recording.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		recordsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "records_read_total",
			Help:      "Raw records read per sensor",
		}, []string{"sensor"}),

		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "records_filtered_total",
			Help:      "Records rejected by a filter per sensor and reason",
		}, []string{"sensor", "reason"}),

		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reader",
			Name:      "decode_errors_total",
			Help:      "Records that could not be decoded per sensor",
		}, []string{"sensor"}),

		chunksClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "chunks_total",
			Help:      "Chunks emitted per sensor",
		}, []string{"sensor"}),

		streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "stream_state",
			Help:      "Stream state (0=pending, 1=streaming, 2=exhausted, 3=errored)",
		}, []string{"sensor"}),

		batchesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "batches_total",
			Help:      "Batches emitted to the consumer",
		}),

		batchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "batch_bytes",
			Help:      "Logical size of emitted batches",
			Buckets:   prometheus.ExponentialBuckets(1<<10, 4, 10),
		}),

		batchElements: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "batch_elements",
			Help:      "Element count of emitted batches",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),

		backpressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "backpressure",
			Help:      "1 while readers are held back by the memory gate",
		}),

		memoryUsedPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "used_percent",
			Help:      "Last observed host memory usage in percent",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.recordsRead, m.recordsDropped, m.decodeErrors, m.chunksClosed, m.streamState,
		m.batchesClosed, m.batchBytes, m.batchElements,
		m.backpressure, m.memoryUsedPercent,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordRead counts one raw record read from sensor.
func (m *Metrics) RecordRead(sensor string) {
	if m == nil {
		return
	}
	m.recordsRead.WithLabelValues(sensor).Inc()
}

// RecordFiltered counts one filtered record.
func (m *Metrics) RecordFiltered(sensor, reason string) {
	if m == nil {
		return
	}
	m.recordsDropped.WithLabelValues(sensor, reason).Inc()
}

// RecordDecodeError counts one undecodable record.
func (m *Metrics) RecordDecodeError(sensor string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(sensor).Inc()
}

// RecordChunk counts one emitted chunk.
func (m *Metrics) RecordChunk(sensor string) {
	if m == nil {
		return
	}
	m.chunksClosed.WithLabelValues(sensor).Inc()
}

// SetStreamState publishes the numeric lifecycle state of a stream.
func (m *Metrics) SetStreamState(sensor string, state int) {
	if m == nil {
		return
	}
	m.streamState.WithLabelValues(sensor).Set(float64(state))
}

// RecordBatch observes one emitted batch.
func (m *Metrics) RecordBatch(elements int, bytes int64) {
	if m == nil {
		return
	}
	m.batchesClosed.Inc()
	m.batchElements.Observe(float64(elements))
	m.batchBytes.Observe(float64(bytes))
}

// SetBackpressure flags whether the memory gate is engaged.
func (m *Metrics) SetBackpressure(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.backpressure.Set(1)
		return
	}
	m.backpressure.Set(0)
}

// SetMemoryUsed publishes the last memory probe.
func (m *Metrics) SetMemoryUsed(percent float64) {
	if m == nil {
		return
	}
	m.memoryUsedPercent.Set(percent)
}
