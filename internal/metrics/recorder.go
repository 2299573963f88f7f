package metrics

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"
)

// ChannelStats accumulates per-channel counters, mirroring
// original_source/hudp/metrics.py's channel_stats dict.
type ChannelStats struct {
	SentCount        uint64
	RecvCount        uint64
	TotalBytesSent   uint64
	TotalBytesRecv   uint64
	TotalLatencyMs   float64
	lastTransitMs    float64
	havePriorTransit bool
	JitterMs         float64
}

// ChannelSummary is the exported, human-readable rollup for one channel.
type ChannelSummary struct {
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketDeliveryRatio  float64 // percent; 0 when not meaningful (non-reliable channel)
	AvgLatencyMs         float64
	JitterMs             float64
	ThroughputKbps       float64
}

type record struct {
	timestampS float64
	channel    string
	sequence   uint16
	bytes      int
	latencyMs  float64
}

// Recorder is the host-facing metrics sink: it feeds the Prometheus
// collectors in Metrics and keeps a flat per-event log exportable to CSV,
// grounded on original_source/hudp/metrics.py's MetricsRecorder.
type Recorder struct {
	mu    sync.Mutex
	role  string
	start time.Time

	metrics *Metrics
	stats   map[string]*ChannelStats
	records []record

	ackedSeqs map[uint16]struct{}
}

// NewRecorder constructs a Recorder. role is a free-form label ("sender"
// or "receiver") used only for the delivery-ratio summary calculation.
func NewRecorder(role string, m *Metrics) *Recorder {
	return &Recorder{
		role:      role,
		start:     time.Now(),
		metrics:   m,
		stats:     make(map[string]*ChannelStats),
		ackedSeqs: make(map[uint16]struct{}),
	}
}

func (r *Recorder) statsLocked(channel string) *ChannelStats {
	s, ok := r.stats[channel]
	if !ok {
		s = &ChannelStats{}
		r.stats[channel] = s
	}
	return s
}

// OnSent records a packet sent on channel (first transmission or
// retransmission both count, matching the original's on_sent).
func (r *Recorder) OnSent(channel string, seq uint16, numBytes int) {
	r.mu.Lock()
	s := r.statsLocked(channel)
	s.SentCount++
	s.TotalBytesSent += uint64(numBytes)
	r.records = append(r.records, record{
		timestampS: time.Since(r.start).Seconds(),
		channel:    channel,
		sequence:   seq,
		bytes:      numBytes,
	})
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PacketsSent.WithLabelValues(channel).Inc()
	}
}

// OnRecv records a packet received on channel, computing one-way latency
// and jitter (RFC 3550 style, smoothing factor 1/16) from the sender's
// header timestamp.
func (r *Recorder) OnRecv(channel string, seq uint16, numBytes int, headerTsMs uint32) {
	nowMs := time.Now().UnixMilli()
	latencyMs := float64(nowMs) - float64(headerTsMs)

	r.mu.Lock()
	s := r.statsLocked(channel)
	s.RecvCount++
	s.TotalBytesRecv += uint64(numBytes)
	s.TotalLatencyMs += latencyMs

	if s.havePriorTransit {
		d := math.Abs(latencyMs - s.lastTransitMs)
		s.JitterMs += (d - s.JitterMs) / 16.0
	}
	s.lastTransitMs = latencyMs
	s.havePriorTransit = true

	r.records = append(r.records, record{
		timestampS: time.Since(r.start).Seconds(),
		channel:    channel,
		sequence:   seq,
		bytes:      numBytes,
		latencyMs:  latencyMs,
	})
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PacketsDelivered.WithLabelValues(channel).Inc()
	}
}

// OnAck records a unique reliable-channel ACK (duplicates for the same
// sequence are not double-counted).
func (r *Recorder) OnAck(seq uint16) {
	r.mu.Lock()
	_, dup := r.ackedSeqs[seq]
	if !dup {
		r.ackedSeqs[seq] = struct{}{}
	}
	r.mu.Unlock()
}

// OnRetransmit records a reliable-channel retransmission, fast or
// timeout-driven.
func (r *Recorder) OnRetransmit(seq uint16) {
	if r.metrics != nil {
		r.metrics.PacketsRetransmitted.Inc()
	}
}

// OnDrop records a permanently abandoned reliable-channel sequence.
func (r *Recorder) OnDrop(seq uint16) {
	if r.metrics != nil {
		r.metrics.PacketsDropped.Inc()
	}
}

// OnSkip records a stalled receive-buffer hole abandoned by the skip
// policy.
func (r *Recorder) OnSkip(seq uint16) {
	if r.metrics != nil {
		r.metrics.HolesSkipped.Inc()
	}
}

// OnRTT records a fresh RTT sample (Karn's-rule-filtered by the caller).
func (r *Recorder) OnRTT(seq uint16, rtt time.Duration) {
	if r.metrics != nil {
		r.metrics.RTTSeconds.Observe(rtt.Seconds())
	}
}

// SetCwnd updates the live congestion-window gauge.
func (r *Recorder) SetCwnd(cwnd float64) {
	if r.metrics != nil {
		r.metrics.Cwnd.Set(cwnd)
	}
}

// SetRecvBufferOccupancy updates the live receive-buffer-occupancy gauge.
func (r *Recorder) SetRecvBufferOccupancy(n int) {
	if r.metrics != nil {
		r.metrics.RecvBufferSize.Set(float64(n))
	}
}

// Summary computes the per-channel rollup, mirroring
// MetricsRecorder.get_summary.
func (r *Recorder) Summary() map[string]ChannelSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	durationS := time.Since(r.start).Seconds()
	out := make(map[string]ChannelSummary, len(r.stats))

	for channel, s := range r.stats {
		sent := s.SentCount
		if r.role == "sender" && channel == "reliable" {
			sent = uint64(len(r.ackedSeqs))
		}

		var pdr float64
		if r.role == "sender" && channel == "reliable" && sent > 0 {
			pdr = math.Round(float64(s.RecvCount)/float64(sent)*100*100) / 100
		}

		var avgLatency float64
		if s.RecvCount > 0 {
			avgLatency = s.TotalLatencyMs / float64(s.RecvCount)
		}

		var throughputKbps float64
		if durationS > 0 {
			throughputKbps = float64(s.TotalBytesRecv) * 8 / durationS / 1000
		}

		out[channel] = ChannelSummary{
			PacketsSent:         sent,
			PacketsReceived:     s.RecvCount,
			PacketDeliveryRatio: pdr,
			AvgLatencyMs:        round2(avgLatency),
			JitterMs:            round2(s.JitterMs),
			ThroughputKbps:      round2(throughputKbps),
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ExportCSV writes the flat per-event record log to path, mirroring
// MetricsRecorder.export_csv. It's a no-op on an empty log.
func (r *Recorder) ExportCSV(path string) error {
	r.mu.Lock()
	records := make([]record, len(r.records))
	copy(records, r.records)
	r.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metrics: create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"timestamp_s", "channel", "sequence", "bytes", "latency_ms"}); err != nil {
		return fmt.Errorf("metrics: write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatFloat(rec.timestampS, 'f', 6, 64),
			rec.channel,
			strconv.Itoa(int(rec.sequence)),
			strconv.Itoa(rec.bytes),
			strconv.FormatFloat(rec.latencyMs, 'f', 3, 64),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("metrics: write csv row: %w", err)
		}
	}
	return w.Error()
}
