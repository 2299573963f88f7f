// Package reliability implements the Selective-Repeat reliable-channel
// engine: a sender with per-packet timers, RTO estimation, fast retransmit,
// congestion/flow control and pacing, and a receiver with out-of-order
// buffering, in-order delivery and a skip-after-threshold policy for
// stalled holes.
package reliability

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sk2001git/hudp/internal/seqnum"
)

// ErrWouldBlock is returned by Send when the effective window has been
// full for longer than the configured send-block timeout.
var ErrWouldBlock = errors.New("hudp: send would block")

// ErrClosed is returned by Send once the sender has been stopped.
var ErrClosed = errors.New("hudp: sender closed")

const (
	minTimerTick = 10 * time.Millisecond
)

// SenderConfig holds the tunables for an SR Sender.
type SenderConfig struct {
	WindowSize       uint16
	InitialRTO       time.Duration
	MinRTO           time.Duration
	MaxRTO           time.Duration
	MaxRetries       int
	InitialCwnd      float64
	SsthreshFloor    float64
	DupAckThreshold  int
	SendBlockTimeout time.Duration
}

// DefaultSenderConfig returns the baseline defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		WindowSize:       64,
		InitialRTO:       200 * time.Millisecond,
		MinRTO:           100 * time.Millisecond,
		MaxRTO:           4 * time.Second,
		MaxRetries:       10,
		InitialCwnd:      10,
		SsthreshFloor:    10,
		DupAckThreshold:  3,
		SendBlockTimeout: time.Second,
	}
}

// SenderCallbacks are the host hooks the sender invokes, always outside of
// its internal lock and always isolated against panics.
type SenderCallbacks struct {
	// OnSendRaw hands a reliable payload to the host for wire framing and
	// transmission. Called for both first sends and retransmits.
	OnSendRaw func(seq uint16, payload []byte)

	// OnDrop fires once a sequence exhausts MaxRetries and is permanently
	// abandoned.
	OnDrop func(seq uint16)

	// OnRetransmit fires whenever a sequence is re-emitted, whether by
	// timeout or by fast retransmit.
	OnRetransmit func(seq uint16)

	// OnRTT fires with a fresh RTT sample, skipped for retransmitted
	// entries per Karn's rule.
	OnRTT func(seq uint16, rtt time.Duration)
}

type inFlightEntry struct {
	payload            []byte
	firstSendMs        int64
	lastSendMs         int64
	retries            int
	retransmittedFlag  bool
}

type queueItem struct {
	seq     uint16
	payload []byte
}

// Sender is a Selective-Repeat reliable-channel sender.
type Sender struct {
	mu         sync.Mutex
	windowCond *sync.Cond
	queueCond  *sync.Cond

	cfg SenderConfig
	cb  SenderCallbacks
	now func() time.Time
	log *zap.Logger

	inFlight map[uint16]*inFlightEntry
	base     uint16
	nextSeq  uint16
	queue    []queueItem

	cwnd        float64
	ssthresh    float64
	dupAckCount int
	peerRwnd    uint16

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration

	limiter *rate.Limiter

	started  bool
	stopped  bool
	stopCtx  context.Context
	stopFunc context.CancelFunc
	wg       sync.WaitGroup
}

// NewSender constructs a Sender. now defaults to time.Now if nil; logger
// defaults to zap.NewNop() if nil.
func NewSender(cfg SenderConfig, cb SenderCallbacks, now func() time.Time, logger *zap.Logger) *Sender {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		cfg:      cfg,
		cb:       cb,
		now:      now,
		log:      logger,
		inFlight: make(map[uint16]*inFlightEntry),
		cwnd:     cfg.InitialCwnd,
		ssthresh: math.MaxFloat64,
		peerRwnd: cfg.WindowSize, // optimistic until the first ACK tells us otherwise
		rto:      cfg.InitialRTO,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		stopCtx:  ctx,
		stopFunc: cancel,
	}
	s.windowCond = sync.NewCond(&s.mu)
	s.queueCond = sync.NewCond(&s.mu)
	return s
}

// Start launches the timer and pacer background workers. Idempotent.
func (s *Sender) Start() {
	s.mu.Lock()
	if s.stopped || s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.timerLoop()
	go s.pacerLoop()
}

// Stop signals both workers to exit and waits for them, bounded by the
// caller's own patience (a ~1s join budget is typical; we don't enforce
// it here directly since WaitGroup.Wait has no timeout — callers that need
// a hard deadline should wrap Stop in a select with time.After).
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopFunc()
	s.windowCond.Broadcast()
	s.queueCond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Sender) nowMs() int64 {
	return s.now().UnixMilli()
}

// effectiveWindowLocked computes min(configured, peer_rwnd, floor(cwnd)).
// Must be called with mu held.
func (s *Sender) effectiveWindowLocked() int {
	win := int(s.cfg.WindowSize)
	if int(s.peerRwnd) < win {
		win = int(s.peerRwnd)
	}
	cwndFloor := int(math.Floor(s.cwnd))
	if cwndFloor < win {
		win = cwndFloor
	}
	if win < 0 {
		win = 0
	}
	return win
}

// Send assigns the next sequence number, registers an in-flight entry, and
// enqueues the first emission. It blocks up to SendBlockTimeout when the
// effective window is full, returning ErrWouldBlock on timeout.
func (s *Sender) Send(payload []byte) (uint16, error) {
	deadline := s.now().Add(s.cfg.SendBlockTimeout)

	s.mu.Lock()
	for {
		if s.stopped {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		if len(s.inFlight) < s.effectiveWindowLocked() {
			break
		}
		if !s.waitWindowLocked(deadline) {
			s.mu.Unlock()
			return 0, ErrWouldBlock
		}
	}

	seq := s.nextSeq
	s.nextSeq = seqnum.Add(s.nextSeq, 1)

	ms := s.nowMs()
	s.inFlight[seq] = &inFlightEntry{
		payload:     payload,
		firstSendMs: ms,
		lastSendMs:  ms,
	}
	s.enqueueLocked(seq, payload, false)
	s.mu.Unlock()

	return seq, nil
}

// waitWindowLocked waits on windowCond until either the deadline passes or
// the sender is woken by an ACK/drop/stop. Returns false if the deadline
// passed. Must be called with mu held; re-acquires mu before returning.
func (s *Sender) waitWindowLocked(deadline time.Time) bool {
	remaining := deadline.Sub(s.now())
	if remaining <= 0 {
		return false
	}

	timer := time.AfterFunc(remaining, func() {
		s.mu.Lock()
		s.windowCond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.windowCond.Wait()
	return s.now().Before(deadline) || s.now().Equal(deadline)
}

// enqueueLocked appends (or, for priority retransmits, front-inserts) a
// pacer queue item and wakes the pacer. Must be called with mu held.
func (s *Sender) enqueueLocked(seq uint16, payload []byte, priority bool) {
	item := queueItem{seq: seq, payload: payload}
	if priority {
		s.queue = append([]queueItem{item}, s.queue...)
	} else {
		s.queue = append(s.queue, item)
	}
	s.queueCond.Broadcast()
}

// Ack processes an acknowledgment for ackSeq carrying the peer's advertised
// receive window. It returns true if ackSeq was a previously in-flight
// sequence (a "new" ACK), false for a duplicate.
func (s *Sender) Ack(ackSeq uint16, peerRwnd uint16) bool {
	s.mu.Lock()

	entry, wasInFlight := s.inFlight[ackSeq]
	if !wasInFlight {
		retransmitSeq, didRetransmit := s.handleDuplicateAckLocked()
		s.mu.Unlock()
		if didRetransmit && s.cb.OnRetransmit != nil {
			s.safeCall(func() { s.cb.OnRetransmit(retransmitSeq) })
		}
		return false
	}

	delete(s.inFlight, ackSeq)

	var rttSample time.Duration
	haveSample := false
	if !entry.retransmittedFlag {
		rttSample = time.Duration(s.nowMs()-entry.firstSendMs) * time.Millisecond
		s.updateRTOLocked(rttSample)
		haveSample = true
	}

	s.peerRwnd = peerRwnd

	if s.cwnd < s.ssthresh {
		s.cwnd += 1
	} else {
		s.cwnd += 1 / s.cwnd
	}
	s.dupAckCount = 0

	for s.base != s.nextSeq {
		if _, stillInFlight := s.inFlight[s.base]; stillInFlight {
			break
		}
		s.base = seqnum.Add(s.base, 1)
	}

	s.windowCond.Broadcast()
	s.mu.Unlock()

	if haveSample && s.cb.OnRTT != nil {
		s.safeCall(func() { s.cb.OnRTT(ackSeq, rttSample) })
	}

	return true
}

// handleDuplicateAckLocked implements fast retransmit on the third
// consecutive duplicate ACK. Must be called with mu held. Returns the
// retransmitted sequence and whether a retransmit actually occurred.
func (s *Sender) handleDuplicateAckLocked() (uint16, bool) {
	s.dupAckCount++
	if s.dupAckCount < s.cfg.DupAckThreshold {
		return 0, false
	}
	s.dupAckCount = 0

	if s.base == s.nextSeq {
		return 0, false
	}
	baseEntry, ok := s.inFlight[s.base]
	if !ok {
		return 0, false
	}

	s.ssthresh = math.Max(s.cfg.SsthreshFloor, s.cwnd/2)
	s.cwnd = s.ssthresh

	baseEntry.retries++
	baseEntry.retransmittedFlag = true
	baseEntry.lastSendMs = s.nowMs()

	s.log.Debug("fast retransmit", zap.Uint16("seq", s.base), zap.Float64("cwnd", s.cwnd))
	s.enqueueLocked(s.base, baseEntry.payload, true)
	return s.base, true
}

// updateRTOLocked applies the RFC 6298 estimator (Karn's rule is enforced
// by the caller, which only supplies samples from never-retransmitted
// entries). Must be called with mu held.
func (s *Sender) updateRTOLocked(rtt time.Duration) {
	const alpha = 0.125
	const beta = 0.25

	if s.srtt == 0 {
		s.srtt = rtt
		s.rttvar = rtt / 2
	} else {
		diff := s.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		s.rttvar = time.Duration((1-beta)*float64(s.rttvar) + beta*float64(diff))
		s.srtt = time.Duration((1-alpha)*float64(s.srtt) + alpha*float64(rtt))
	}

	rto := s.srtt + 4*s.rttvar
	s.rto = clampDuration(rto, s.cfg.MinRTO, s.cfg.MaxRTO)
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// timerLoop scans the in-flight table on every tick and retransmits
// entries that have exceeded the current RTO, or permanently drops them
// past MaxRetries.
func (s *Sender) timerLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		tick := maxDuration(minTimerTick, s.rto/4)
		s.mu.Unlock()

		timer := time.NewTimer(tick)
		select {
		case <-s.stopCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.scanInFlight()
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func (s *Sender) scanInFlight() {
	s.mu.Lock()

	nowMs := s.nowMs()
	rtoMs := s.rto.Milliseconds()
	var dropped []uint16
	var retransmitted []uint16
	timeoutOccurred := false

	for seq := s.base; seq != s.nextSeq; seq = seqnum.Add(seq, 1) {
		entry, ok := s.inFlight[seq]
		if !ok {
			continue
		}
		if nowMs-entry.lastSendMs < rtoMs {
			continue
		}

		if entry.retries < s.cfg.MaxRetries {
			entry.retries++
			entry.retransmittedFlag = true
			entry.lastSendMs = nowMs
			timeoutOccurred = true
			s.log.Debug("timeout retransmit", zap.Uint16("seq", seq), zap.Int("retries", entry.retries))
			s.enqueueLocked(seq, entry.payload, true)
			retransmitted = append(retransmitted, seq)
		} else {
			delete(s.inFlight, seq)
			dropped = append(dropped, seq)
			s.log.Warn("permanent drop", zap.Uint16("seq", seq))
		}
	}

	if timeoutOccurred {
		s.rto = clampDuration(s.rto*2, s.cfg.MinRTO, s.cfg.MaxRTO)
		s.ssthresh = math.Max(s.cfg.SsthreshFloor, s.cwnd/2)
		s.cwnd = s.cfg.InitialCwnd
	}

	for s.base != s.nextSeq {
		if _, stillInFlight := s.inFlight[s.base]; stillInFlight {
			break
		}
		s.base = seqnum.Add(s.base, 1)
	}

	if len(dropped) > 0 {
		s.windowCond.Broadcast()
	}
	s.mu.Unlock()

	for _, seq := range dropped {
		if s.cb.OnDrop != nil {
			sq := seq
			s.safeCall(func() { s.cb.OnDrop(sq) })
		}
	}

	for _, seq := range retransmitted {
		if s.cb.OnRetransmit != nil {
			sq := seq
			s.safeCall(func() { s.cb.OnRetransmit(sq) })
		}
	}
}

// pacerLoop drains the pacer queue, emitting each packet via OnSendRaw and
// spacing emissions by srtt/max(cwnd,1) using a token-bucket limiter.
func (s *Sender) pacerLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.queueCond.Wait()
		}
		if s.stopped && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}

		if s.effectiveWindowLocked() < 1 {
			s.mu.Unlock()
			select {
			case <-s.stopCtx.Done():
				return
			case <-time.After(minTimerTick):
			}
			continue
		}

		item := s.queue[0]
		s.queue = s.queue[1:]
		srtt := s.srtt
		cwnd := s.cwnd
		s.mu.Unlock()

		if s.cb.OnSendRaw != nil {
			s.safeCall(func() { s.cb.OnSendRaw(item.seq, item.payload) })
		}

		s.limiter.SetBurst(1)
		s.limiter.SetLimit(pacingRate(srtt, cwnd))
		waitCtx, cancel := context.WithTimeout(s.stopCtx, time.Second)
		_ = s.limiter.Wait(waitCtx)
		cancel()
	}
}

// pacingRate converts the gap srtt/max(cwnd,1) into a token rate
// for golang.org/x/time/rate: rate = 1/gap = cwnd/srtt packets per second.
// With no RTT sample yet, pace unrestricted so the first window of packets
// isn't throttled by a guess.
func pacingRate(srtt time.Duration, cwnd float64) rate.Limit {
	if srtt <= 0 {
		return rate.Inf
	}
	if cwnd < 1 {
		cwnd = 1
	}
	return rate.Limit(cwnd / srtt.Seconds())
}

// safeCall isolates a callback invocation so a panicking host callback can
// never corrupt protocol state or crash a worker goroutine.
func (s *Sender) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sender callback panicked", zap.Any("recover", r))
		}
	}()
	fn()
}

// Stats is a snapshot of sender state, useful for metrics and tests.
type Stats struct {
	Base     uint16
	NextSeq  uint16
	InFlight int
	Cwnd     float64
	Ssthresh float64
	RTO      time.Duration
	SRTT     time.Duration
	PeerRwnd uint16
}

// Snapshot returns a point-in-time copy of the sender's state.
func (s *Sender) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Base:     s.base,
		NextSeq:  s.nextSeq,
		InFlight: len(s.inFlight),
		Cwnd:     s.cwnd,
		Ssthresh: s.ssthresh,
		RTO:      s.rto,
		SRTT:     s.srtt,
		PeerRwnd: s.peerRwnd,
	}
}
