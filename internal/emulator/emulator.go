// Package emulator wraps a send function with software-simulated packet
// loss, delay and jitter, for exercising the reliable channel's
// retransmission and congestion-control behavior over an otherwise
// pristine loopback or LAN link. Grounded on
// original_source/hudp/emulator.py's UDPEngineEmulator.
package emulator

import (
	"math/rand"
	"time"
)

// Config sets the impairment parameters.
type Config struct {
	// LossRate is the probability in [0,1] that an outbound datagram is
	// silently dropped instead of sent.
	LossRate float64

	// DelayMs is the base one-way delay applied before sending.
	DelayMs int

	// JitterMs is the maximum +/- jitter added to DelayMs, uniformly
	// distributed.
	JitterMs int
}

// SendFunc is the signature of the underlying, unimpaired send
// operation this package decorates.
type SendFunc func(data []byte) error

// Emulator decorates a SendFunc with loss/delay/jitter.
type Emulator struct {
	cfg  Config
	rand *rand.Rand
}

// New constructs an Emulator. A private rand source keeps impairment
// decisions independent of any other use of math/rand in the process.
func New(cfg Config) *Emulator {
	return &Emulator{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the delay to apply to the next send, including jitter,
// never negative.
func (e *Emulator) Delay() time.Duration {
	d := float64(e.cfg.DelayMs)
	if e.cfg.JitterMs > 0 {
		d += (e.rand.Float64()*2 - 1) * float64(e.cfg.JitterMs)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d * float64(time.Millisecond))
}

// ShouldDrop decides whether the next send is dropped.
func (e *Emulator) ShouldDrop() bool {
	return e.rand.Float64() < e.cfg.LossRate
}

// Wrap returns a SendFunc that applies loss, then delay, before calling
// next. A dropped datagram returns nil (the caller's perspective is
// identical to a real network silently losing the packet).
func (e *Emulator) Wrap(next SendFunc) SendFunc {
	return func(data []byte) error {
		if e.ShouldDrop() {
			return nil
		}
		if d := e.Delay(); d > 0 {
			time.Sleep(d)
		}
		return next(data)
	}
}
