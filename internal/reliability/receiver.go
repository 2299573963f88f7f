package reliability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sk2001git/hudp/internal/seqnum"
)

// ReceiverConfig holds the tunables for an SR Receiver.
type ReceiverConfig struct {
	WindowSize     uint16
	MaxBuffer      uint16
	SkipThreshold  time.Duration
	SkipTick       time.Duration
}

// DefaultReceiverConfig returns the baseline defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		WindowSize:    64,
		MaxBuffer:     256,
		SkipThreshold: 2 * time.Second,
		SkipTick:      250 * time.Millisecond,
	}
}

// ReceiverCallbacks are the host hooks the receiver invokes, always outside
// its internal lock and isolated against panics.
type ReceiverCallbacks struct {
	// OnDeliver hands an in-order payload to the application.
	OnDeliver func(seq uint16, payload []byte)

	// OnAck emits an ACK naming the sequence of the packet just processed
	// and the receiver's advertised window.
	OnAck func(ackSeq uint16, recvWindow uint16)

	// OnSkip fires when a stalled hole is abandoned and delivery jumps
	// past it.
	OnSkip func(seq uint16)
}

type bufferedPacket struct {
	payload    []byte
	arrivedAt  time.Time
}

// Receiver is a Selective-Repeat reliable-channel receiver.
type Receiver struct {
	mu  sync.Mutex
	cfg ReceiverConfig
	cb  ReceiverCallbacks
	now func() time.Time
	log *zap.Logger

	expected uint16
	buffer   map[uint16]*bufferedPacket

	oldestHoleSince time.Time
	stopped         bool
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewReceiver constructs a Receiver. now defaults to time.Now if nil;
// logger defaults to zap.NewNop() if nil.
func NewReceiver(cfg ReceiverConfig, cb ReceiverCallbacks, now func() time.Time, logger *zap.Logger) *Receiver {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		cfg:    cfg,
		cb:     cb,
		now:    now,
		log:    logger,
		buffer: make(map[uint16]*bufferedPacket),
		stopCh: make(chan struct{}),
	}
}

// Start launches the skip-after-threshold background worker.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.skipLoop()
}

// Stop signals the background worker to exit and waits for it.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

// recvWindowLocked computes the advertised receive window: the remaining
// room in the reorder buffer. Must be called with mu held.
func (r *Receiver) recvWindowLocked() uint16 {
	used := len(r.buffer)
	if used >= int(r.cfg.MaxBuffer) {
		return 0
	}
	return uint16(int(r.cfg.MaxBuffer) - used)
}

// OnData processes an arriving reliable-channel payload at the given
// sequence number. It classifies the packet as in-window, old/duplicate,
// or out-of-band (beyond the window, discarded), buffers in-window packets,
// drains any now-deliverable run starting at expected, and always emits an
// ACK naming this packet's own sequence.
func (r *Receiver) OnData(seq uint16, payload []byte) {
	r.mu.Lock()

	var toDeliver []bufferedPacket
	var deliverSeqs []uint16

	switch {
	case seq == r.expected:
		toDeliver = append(toDeliver, bufferedPacket{payload: payload})
		deliverSeqs = append(deliverSeqs, seq)
		r.expected = seqnum.Add(r.expected, 1)

		for {
			next, ok := r.buffer[r.expected]
			if !ok {
				break
			}
			delete(r.buffer, r.expected)
			toDeliver = append(toDeliver, bufferedPacket{payload: next.payload})
			deliverSeqs = append(deliverSeqs, r.expected)
			r.expected = seqnum.Add(r.expected, 1)
		}
		r.refreshOldestHoleLocked()

	case seqnum.InWindow(seq, r.expected, r.cfg.WindowSize):
		if _, dup := r.buffer[seq]; !dup && len(r.buffer) < int(r.cfg.MaxBuffer) {
			r.buffer[seq] = &bufferedPacket{payload: payload, arrivedAt: r.now()}
			r.refreshOldestHoleLocked()
		}

	default:
		// Old duplicate (already delivered) or out-of-band (beyond the
		// window): dropped silently, matching the error-handling policy.
	}

	rwnd := r.recvWindowLocked()
	r.mu.Unlock()

	for i, pkt := range toDeliver {
		if r.cb.OnDeliver != nil {
			s, p := deliverSeqs[i], pkt.payload
			r.safeCall(func() { r.cb.OnDeliver(s, p) })
		}
	}
	// ack_seq identifies the packet that was just processed, not the
	// receiver's cumulative `expected` pointer: the sender's in-flight
	// table is keyed per packet, and the fast-retransmit rule ("a
	// duplicate ACK is any ack() call whose ack_seq is not in the
	// in-flight table") only holds together if every ACK names one
	// specific sequence the sender can look up.
	if r.cb.OnAck != nil {
		r.safeCall(func() { r.cb.OnAck(seq, rwnd) })
	}
}

// refreshOldestHoleLocked resets the stall clock whenever the buffer is
// hole-free, and starts it the moment a hole first appears ahead of
// expected. Must be called with mu held.
func (r *Receiver) refreshOldestHoleLocked() {
	if len(r.buffer) == 0 {
		r.oldestHoleSince = time.Time{}
		return
	}
	if r.oldestHoleSince.IsZero() {
		r.oldestHoleSince = r.now()
	}
}

func (r *Receiver) skipLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SkipTick)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.checkSkip()
		}
	}
}

// checkSkip abandons exactly the hole at `expected` once it has stalled
// past SkipThreshold with at least one later packet already buffered,
// advancing expected by one and draining whatever run is now contiguous.
// If a gap still remains ahead, hole_since_ms is re-armed so the next
// stalled hole gets its own full SkipThreshold before it, too, is
// abandoned — one hole per elapsed threshold, never a multi-hole jump.
// Bounded head-of-line blocking. A SkipThreshold of zero disables skipping.
func (r *Receiver) checkSkip() {
	r.mu.Lock()

	if r.cfg.SkipThreshold <= 0 || r.oldestHoleSince.IsZero() || len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	if r.now().Sub(r.oldestHoleSince) < r.cfg.SkipThreshold {
		r.mu.Unlock()
		return
	}

	skipped := r.expected
	r.expected = seqnum.Add(r.expected, 1)

	var toDeliver []bufferedPacket
	var deliverSeqs []uint16
	for {
		pkt, ok := r.buffer[r.expected]
		if !ok {
			break
		}
		delete(r.buffer, r.expected)
		toDeliver = append(toDeliver, bufferedPacket{payload: pkt.payload})
		deliverSeqs = append(deliverSeqs, r.expected)
		r.expected = seqnum.Add(r.expected, 1)
	}

	// A gap may still remain ahead (more buffered packets further out):
	// re-arm the clock for that next hole rather than carrying over the
	// timestamp of the hole just abandoned.
	if len(r.buffer) > 0 {
		r.oldestHoleSince = r.now()
	} else {
		r.oldestHoleSince = time.Time{}
	}
	r.mu.Unlock()

	r.log.Debug("hole skipped", zap.Uint16("seq", skipped))

	// No OnAck here: a skip is timer-driven, not triggered by a data
	// arrival, so there is no specific sequence to name as ack_seq. The
	// sender will see the freed window on the next real ACK.
	if r.cb.OnSkip != nil {
		r.safeCall(func() { r.cb.OnSkip(skipped) })
	}
	for i, pkt := range toDeliver {
		if r.cb.OnDeliver != nil {
			s, p := deliverSeqs[i], pkt.payload
			r.safeCall(func() { r.cb.OnDeliver(s, p) })
		}
	}
}

func (r *Receiver) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("receiver callback panicked", zap.Any("recover", rec))
		}
	}()
	fn()
}

// ReceiverStats is a snapshot of receiver state, useful for metrics and
// tests.
type ReceiverStats struct {
	Expected   uint16
	Buffered   int
	RecvWindow uint16
}

// Snapshot returns a point-in-time copy of the receiver's state.
func (r *Receiver) Snapshot() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReceiverStats{
		Expected:   r.expected,
		Buffered:   len(r.buffer),
		RecvWindow: r.recvWindowLocked(),
	}
}
