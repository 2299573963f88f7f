// Package metrics wraps the Prometheus counters, histograms and gauges
// that observe a running H-UDP endpoint: packets sent/delivered/
// retransmitted/dropped/skipped, one-way latency, live congestion window
// and receive-buffer occupancy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the recorder feeds.
type Metrics struct {
	PacketsSent         *prometheus.CounterVec
	PacketsDelivered    *prometheus.CounterVec
	PacketsRetransmitted prometheus.Counter
	PacketsDropped      prometheus.Counter
	HolesSkipped        prometheus.Counter

	RTTSeconds prometheus.Histogram

	Cwnd           prometheus.Gauge
	RecvBufferSize prometheus.Gauge
}

// New constructs and registers the metric set under namespace/subsystem,
// following the promauto construction style used throughout.
func New(namespace, subsystem string) *Metrics {
	return &Metrics{
		PacketsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_sent_total",
				Help:      "Total packets sent, by channel",
			},
			[]string{"channel"},
		),
		PacketsDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_delivered_total",
				Help:      "Total packets delivered to the application, by channel",
			},
			[]string{"channel"},
		),
		PacketsRetransmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_retransmitted_total",
				Help:      "Total reliable-channel retransmissions, fast and timeout-driven",
			},
		),
		PacketsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "packets_dropped_total",
				Help:      "Total reliable-channel packets abandoned after exhausting retries",
			},
		),
		HolesSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "holes_skipped_total",
				Help:      "Total stalled receive-buffer holes abandoned by the skip policy",
			},
		),
		RTTSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rtt_seconds",
				Help:      "Sampled round-trip time, Karn's-rule-filtered",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
		),
		Cwnd: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cwnd",
				Help:      "Current reliable-channel congestion window, in packets",
			},
		),
		RecvBufferSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "recv_buffer_occupancy",
				Help:      "Current count of out-of-order packets held in the receive buffer",
			},
		),
	}
}
