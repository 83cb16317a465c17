// Package metrics holds the Prometheus collectors shared by the connection
// adapter and the coalescer. A nil *Metrics is valid and records nothing, so
// components can be built without a registry.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors for one pipeline.
type Metrics struct {
	FramesReceived    prometheus.Counter
	DecodeErrors      prometheus.Counter
	MessagesDelivered prometheus.Counter
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed *prometheus.CounterVec
	BatchesFlushed    prometheus.Counter
	BatchSize         prometheus.Histogram
	ConsumerErrors    prometheus.Counter
	PendingMessages   prometheus.Gauge
}

// New creates the collectors under namespace and registers them with reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Raw frames handed over by the transport.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they could not be decoded.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_delivered_total",
			Help:      "Decoded messages passed to the message handler.",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections_opened_total",
			Help:      "Connections that reached the Open state.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections_closed_total",
			Help:      "Connections that reached the Closed state, by reason.",
		}, []string{"reason"}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coalescer",
			Name:      "batches_flushed_total",
			Help:      "Non-empty batches handed to the batch handler.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coalescer",
			Name:      "batch_size",
			Help:      "Number of messages per delivered batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ConsumerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coalescer",
			Name:      "consumer_errors_total",
			Help:      "Batch handler invocations that failed or panicked.",
		}),
		PendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coalescer",
			Name:      "pending_messages",
			Help:      "Messages buffered and waiting for the next flush.",
		}),
	}

	collectors := []prometheus.Collector{
		m.FramesReceived, m.DecodeErrors, m.MessagesDelivered,
		m.ConnectionsOpened, m.ConnectionsClosed,
		m.BatchesFlushed, m.BatchSize, m.ConsumerErrors, m.PendingMessages,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) MessageDelivered() {
	if m == nil {
		return
	}
	m.MessagesDelivered.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Inc()
}

// ConnectionClosed records a Closed transition. A nil err is an orderly close.
func (m *Metrics) ConnectionClosed(err error) {
	if m == nil {
		return
	}
	reason := "normal"
	if err != nil {
		reason = "error"
	}
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) BatchFlushed(size int) {
	if m == nil {
		return
	}
	m.BatchesFlushed.Inc()
	m.BatchSize.Observe(float64(size))
}

func (m *Metrics) ConsumerFailed() {
	if m == nil {
		return
	}
	m.ConsumerErrors.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingMessages.Set(float64(n))
}
