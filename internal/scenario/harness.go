package scenario

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sk2001git/hudp/internal/mux"
)

// Harness connects a sender-side and receiver-side Mux across a LossyConn
// pair and tallies the delivery/retransmit/drop/skip counters Section 8's
// scenarios assert on.
type Harness struct {
	Sender   *mux.Mux
	Receiver *mux.Mux

	retransmits int64
	drops       int64
	skips       int64

	mu     sync.Mutex
	maxBuf int
}

// NewHarness builds a connected Harness. linkCfg impairs the sender-to-
// receiver direction; ACKs travel back unimpaired, matching the scenario
// definitions, which only describe forward-path loss/delay.
func NewHarness(muxCfg mux.Config, linkCfg Config) *Harness {
	connA, connB := NewPair(linkCfg, Config{})

	h := &Harness{}

	h.Sender = mustNew(connA, connB.LocalAddr(), muxCfg, mux.Hooks{
		OnRetransmit: func(seq uint16) { atomic.AddInt64(&h.retransmits, 1) },
		OnDrop:       func(seq uint16) { atomic.AddInt64(&h.drops, 1) },
	})
	h.Receiver = mustNew(connB, connA.LocalAddr(), muxCfg, mux.Hooks{
		OnSkip: func(seq uint16) { atomic.AddInt64(&h.skips, 1) },
	})

	return h
}

func mustNew(conn *LossyConn, peer net.Addr, cfg mux.Config, hooks mux.Hooks) *mux.Mux {
	m, err := mux.New(conn, peer, cfg, hooks, nil)
	if err != nil {
		panic(fmt.Sprintf("scenario: mux.New: %v", err))
	}
	return m
}

// Start launches both sides' background workers. The receive pump that
// collects delivered sequences is started by SendAll.
func (h *Harness) Start() {
	h.Sender.Start()
	h.Receiver.Start()
}

// Stop shuts both sides down.
func (h *Harness) Stop() {
	h.Sender.Stop()
	h.Receiver.Stop()
}

// SendAll sends each payload reliably from the sender side, polling the
// receiver's buffer occupancy as it goes, and collects delivered
// sequences until every payload is accounted for as delivered or
// permanently dropped, or ctx expires first.
func (h *Harness) SendAll(ctx context.Context, payloads [][]byte) (delivered []uint16, dropped int, err error) {
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()

	recvCh := make(chan mux.Message, len(payloads))
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			msg, err := h.Receiver.Recv(pollCtx)
			if err != nil {
				recvErrCh <- err
				return
			}
			recvCh <- msg
		}
	}()

	go h.pollBuffer(pollCtx)

	for _, p := range payloads {
		if _, sendErr := h.Sender.SendReliable(p); sendErr != nil {
			return nil, int(atomic.LoadInt64(&h.drops)), sendErr
		}
	}

	want := len(payloads)
	for len(delivered)+int(atomic.LoadInt64(&h.drops)) < want {
		select {
		case msg := <-recvCh:
			delivered = append(delivered, msg.Seq)
		case <-recvErrCh:
			return delivered, int(atomic.LoadInt64(&h.drops)), nil
		case <-ctx.Done():
			return delivered, int(atomic.LoadInt64(&h.drops)), ctx.Err()
		}
	}
	return delivered, int(atomic.LoadInt64(&h.drops)), nil
}

func (h *Harness) pollBuffer(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := h.Receiver.ReceiverStats()
			h.mu.Lock()
			if stats.Buffered > h.maxBuf {
				h.maxBuf = stats.Buffered
			}
			h.mu.Unlock()
		}
	}
}

// MaxBufferObserved returns the largest receiver buffer occupancy sampled
// during SendAll.
func (h *Harness) MaxBufferObserved() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxBuf
}

// Retransmits returns the number of OnRetransmit callbacks observed.
func (h *Harness) Retransmits() int64 { return atomic.LoadInt64(&h.retransmits) }

// Drops returns the number of OnDrop callbacks observed.
func (h *Harness) Drops() int64 { return atomic.LoadInt64(&h.drops) }

// Skips returns the number of OnSkip callbacks observed.
func (h *Harness) Skips() int64 { return atomic.LoadInt64(&h.skips) }
