package metrics

import (
	"os"
	"testing"
	"time"
)

func TestRecorderOnSentAndOnRecvAccumulate(t *testing.T) {
	r := NewRecorder("receiver", nil)

	r.OnSent("reliable", 0, 10)
	r.OnRecv("reliable", 0, 10, uint32(time.Now().UnixMilli()))

	summary := r.Summary()
	ch, ok := summary["reliable"]
	if !ok {
		t.Fatalf("expected a reliable-channel summary entry")
	}
	if ch.PacketsReceived != 1 {
		t.Errorf("PacketsReceived = %d, want 1", ch.PacketsReceived)
	}
}

func TestRecorderSenderDeliveryRatioUsesUniqueAcks(t *testing.T) {
	r := NewRecorder("sender", nil)

	r.OnSent("reliable", 0, 5)
	r.OnSent("reliable", 0, 5) // retransmission of the same sequence
	r.OnSent("reliable", 1, 5)
	r.OnAck(0)
	r.OnAck(0) // duplicate ack, must not double count
	r.OnAck(1)

	r.OnRecv("reliable", 0, 5, uint32(time.Now().UnixMilli()))
	r.OnRecv("reliable", 1, 5, uint32(time.Now().UnixMilli()))

	summary := r.Summary()
	ch := summary["reliable"]
	if ch.PacketsSent != 2 {
		t.Errorf("PacketsSent = %d, want 2 (unique acked sequences)", ch.PacketsSent)
	}
	if ch.PacketDeliveryRatio != 100 {
		t.Errorf("PacketDeliveryRatio = %v, want 100", ch.PacketDeliveryRatio)
	}
}

func TestRecorderExportCSVRoundTrips(t *testing.T) {
	r := NewRecorder("receiver", nil)
	r.OnSent("unreliable", 3, 7)

	dir := t.TempDir()
	path := dir + "/metrics.csv"
	if err := r.ExportCSV(path); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty CSV output")
	}
}

func TestRecorderExportCSVNoOpWhenEmpty(t *testing.T) {
	r := NewRecorder("receiver", nil)
	dir := t.TempDir()
	path := dir + "/metrics.csv"

	if err := r.ExportCSV(path); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected no file to be created for an empty record log")
	}
}

func TestMetricsConstructionRegistersCollectors(t *testing.T) {
	m := New("hudp_test_recorder", "core")
	if m.PacketsSent == nil || m.RTTSeconds == nil || m.Cwnd == nil {
		t.Error("expected all collectors to be constructed")
	}
}
