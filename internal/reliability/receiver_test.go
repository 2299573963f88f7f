package reliability

import (
	"sync"
	"testing"
	"time"
)

func TestReceiverInOrderDeliversImmediately(t *testing.T) {
	var delivered []uint16
	var mu sync.Mutex
	cb := ReceiverCallbacks{
		OnDeliver: func(seq uint16, _ []byte) {
			mu.Lock()
			delivered = append(delivered, seq)
			mu.Unlock()
		},
	}
	r := NewReceiver(DefaultReceiverConfig(), cb, nil, nil)
	r.Start()
	defer r.Stop()

	r.OnData(0, []byte("a"))
	r.OnData(1, []byte("b"))
	r.OnData(2, []byte("c"))

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 3 || delivered[0] != 0 || delivered[1] != 1 || delivered[2] != 2 {
		t.Errorf("delivered = %v, want [0 1 2]", delivered)
	}
}

func TestReceiverOutOfOrderBuffersThenCascades(t *testing.T) {
	var delivered []uint16
	var mu sync.Mutex
	cb := ReceiverCallbacks{
		OnDeliver: func(seq uint16, _ []byte) {
			mu.Lock()
			delivered = append(delivered, seq)
			mu.Unlock()
		},
	}
	r := NewReceiver(DefaultReceiverConfig(), cb, nil, nil)
	r.Start()
	defer r.Stop()

	r.OnData(2, []byte("c"))
	mu.Lock()
	if len(delivered) != 0 {
		t.Errorf("seq 2 should be buffered, not delivered, while 0 and 1 are missing")
	}
	mu.Unlock()

	r.OnData(1, []byte("b"))
	mu.Lock()
	if len(delivered) != 0 {
		t.Errorf("seq 1 should also be buffered while 0 is missing")
	}
	mu.Unlock()

	r.OnData(0, []byte("a"))
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 3 || delivered[0] != 0 || delivered[1] != 1 || delivered[2] != 2 {
		t.Errorf("delivered = %v, want [0 1 2] after the gap fills", delivered)
	}
}

func TestReceiverDuplicateAndOutOfBandAreDropped(t *testing.T) {
	var delivered []uint16
	var mu sync.Mutex
	cb := ReceiverCallbacks{
		OnDeliver: func(seq uint16, _ []byte) {
			mu.Lock()
			delivered = append(delivered, seq)
			mu.Unlock()
		},
	}
	cfg := DefaultReceiverConfig()
	cfg.WindowSize = 4
	r := NewReceiver(cfg, cb, nil, nil)
	r.Start()
	defer r.Stop()

	r.OnData(0, []byte("a"))
	r.OnData(0, []byte("a-dup")) // old duplicate, already delivered
	r.OnData(9000, []byte("oob")) // far outside the window

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 {
		t.Errorf("delivered = %v, want exactly [0]", delivered)
	}
}

func TestReceiverAckNamesTheReceivedSequenceAndWindow(t *testing.T) {
	var acks []struct {
		seq  uint16
		rwnd uint16
	}
	var mu sync.Mutex
	cb := ReceiverCallbacks{
		OnAck: func(ackSeq uint16, rwnd uint16) {
			mu.Lock()
			acks = append(acks, struct {
				seq  uint16
				rwnd uint16
			}{ackSeq, rwnd})
			mu.Unlock()
		},
	}
	cfg := DefaultReceiverConfig()
	cfg.MaxBuffer = 10
	cfg.WindowSize = 10
	r := NewReceiver(cfg, cb, nil, nil)
	r.Start()
	defer r.Stop()

	r.OnData(0, []byte("a"))

	mu.Lock()
	defer mu.Unlock()
	if len(acks) != 1 {
		t.Fatalf("expected one ack, got %d", len(acks))
	}
	if acks[0].seq != 0 {
		t.Errorf("ack seq = %d, want 0 (the sequence just received)", acks[0].seq)
	}
	if acks[0].rwnd != 10 {
		t.Errorf("ack rwnd = %d, want 10 (buffer empty)", acks[0].rwnd)
	}
}

func TestReceiverSkipAfterThresholdJumpsPastStalledHole(t *testing.T) {
	var delivered []uint16
	var skipped []uint16
	var mu sync.Mutex
	cb := ReceiverCallbacks{
		OnDeliver: func(seq uint16, _ []byte) {
			mu.Lock()
			delivered = append(delivered, seq)
			mu.Unlock()
		},
		OnSkip: func(seq uint16) {
			mu.Lock()
			skipped = append(skipped, seq)
			mu.Unlock()
		},
	}
	cfg := DefaultReceiverConfig()
	cfg.SkipThreshold = 20 * time.Millisecond
	cfg.SkipTick = 5 * time.Millisecond
	r := NewReceiver(cfg, cb, nil, nil)
	r.Start()
	defer r.Stop()

	// seq 0 never arrives; seq 1 and 2 buffer behind the hole.
	r.OnData(1, []byte("b"))
	r.OnData(2, []byte("c"))

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(skipped) != 1 || skipped[0] != 0 {
		t.Errorf("skipped = %v, want [0]", skipped)
	}
	if len(delivered) != 2 || delivered[0] != 1 || delivered[1] != 2 {
		t.Errorf("delivered = %v, want [1 2] once the hole at 0 is skipped", delivered)
	}
}

func TestReceiverSkipAdvancesOneHolePerThreshold(t *testing.T) {
	var delivered []uint16
	var skipped []uint16
	var mu sync.Mutex
	cb := ReceiverCallbacks{
		OnDeliver: func(seq uint16, _ []byte) {
			mu.Lock()
			delivered = append(delivered, seq)
			mu.Unlock()
		},
		OnSkip: func(seq uint16) {
			mu.Lock()
			skipped = append(skipped, seq)
			mu.Unlock()
		},
	}
	cfg := DefaultReceiverConfig()
	cfg.SkipThreshold = 30 * time.Millisecond
	cfg.SkipTick = 5 * time.Millisecond
	r := NewReceiver(cfg, cb, nil, nil)
	r.Start()
	defer r.Stop()

	// Two holes: 0 and 2 both never arrive; 1 and 3 buffer behind them.
	r.OnData(1, []byte("b"))
	r.OnData(3, []byte("d"))

	// After one threshold period, only the first hole (0) should be
	// abandoned, delivering 1 and stopping at the second hole (2).
	time.Sleep(45 * time.Millisecond)
	mu.Lock()
	if len(skipped) != 1 || skipped[0] != 0 {
		t.Errorf("after one threshold: skipped = %v, want [0]", skipped)
	}
	if len(delivered) != 1 || delivered[0] != 1 {
		t.Errorf("after one threshold: delivered = %v, want [1]", delivered)
	}
	mu.Unlock()

	// After a second threshold period, the hole at 2 is abandoned too,
	// delivering 3.
	time.Sleep(45 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(skipped) != 2 || skipped[0] != 0 || skipped[1] != 2 {
		t.Errorf("skipped = %v, want [0 2]", skipped)
	}
	if len(delivered) != 2 || delivered[0] != 1 || delivered[1] != 3 {
		t.Errorf("delivered = %v, want [1 3]", delivered)
	}
}

func TestReceiverStopIsIdempotent(t *testing.T) {
	r := NewReceiver(DefaultReceiverConfig(), ReceiverCallbacks{}, nil, nil)
	r.Start()
	r.Stop()
	r.Stop()
}
