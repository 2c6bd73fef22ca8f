// Package metrics exposes per-subtask time series: message/byte volumes
// and backpressure. Scrape-based; the engine does not store or query
// these itself.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flo_subtask_messages_received_total",
			Help: "Records received by a subtask.",
		},
		[]string{"operator", "subtask"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flo_subtask_messages_sent_total",
			Help: "Records emitted by a subtask.",
		},
		[]string{"operator", "subtask"},
	)
	bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flo_subtask_bytes_received_total",
			Help: "Approximate bytes received by a subtask.",
		},
		[]string{"operator", "subtask"},
	)
	bytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flo_subtask_bytes_sent_total",
			Help: "Approximate bytes emitted by a subtask.",
		},
		[]string{"operator", "subtask"},
	)
	backpressure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flo_subtask_backpressure_seconds_total",
			Help: "Time a subtask spent blocked on a full downstream channel.",
		},
		[]string{"operator", "subtask"},
	)
	checkpointBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flo_checkpoint_last_bytes",
			Help: "Snapshot size of the last checkpoint per subtask.",
		},
		[]string{"operator", "subtask"},
	)
	watermarkLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flo_subtask_watermark_micros",
			Help: "Current event-time watermark of a subtask.",
		},
		[]string{"operator", "subtask"},
	)
)

func init() {
	prometheus.MustRegister(
		messagesReceived,
		messagesSent,
		bytesReceived,
		bytesSent,
		backpressure,
		checkpointBytes,
		watermarkLag,
	)
}

// Subtask is the handle a subtask uses on its hot path. Label values are
// resolved once at construction, not per record.
type Subtask struct {
	received        prometheus.Counter
	sent            prometheus.Counter
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
	blocked         prometheus.Counter
	lastCheckpoint  prometheus.Gauge
	watermarkMicros prometheus.Gauge
}

// ForSubtask resolves the metric handles for one (operator, subtask).
func ForSubtask(operatorID, subtaskID string) *Subtask {
	return &Subtask{
		received:        messagesReceived.WithLabelValues(operatorID, subtaskID),
		sent:            messagesSent.WithLabelValues(operatorID, subtaskID),
		bytesIn:         bytesReceived.WithLabelValues(operatorID, subtaskID),
		bytesOut:        bytesSent.WithLabelValues(operatorID, subtaskID),
		blocked:         backpressure.WithLabelValues(operatorID, subtaskID),
		lastCheckpoint:  checkpointBytes.WithLabelValues(operatorID, subtaskID),
		watermarkMicros: watermarkLag.WithLabelValues(operatorID, subtaskID),
	}
}

func (s *Subtask) Received(approxBytes int) {
	s.received.Inc()
	s.bytesIn.Add(float64(approxBytes))
}

func (s *Subtask) Sent(approxBytes int) {
	s.sent.Inc()
	s.bytesOut.Add(float64(approxBytes))
}

// Blocked records time spent waiting on a full downstream channel.
// Backpressure is flow control, not an error; surfacing it as a metric is
// the whole point.
func (s *Subtask) Blocked(d time.Duration) {
	s.blocked.Add(d.Seconds())
}

func (s *Subtask) Checkpoint(bytes int) {
	s.lastCheckpoint.Set(float64(bytes))
}

func (s *Subtask) Watermark(wm int64) {
	s.watermarkMicros.Set(float64(wm))
}
