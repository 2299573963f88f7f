// Package hudp is a hybrid reliability UDP transport: a Selective-Repeat
// reliable channel alongside a fire-and-forget unreliable channel,
// multiplexed over one UDP socket per peer pair.
package hudp

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/sk2001git/hudp/internal/mux"
	"github.com/sk2001git/hudp/internal/reliability"
)

// Config configures an Endpoint's reliable channel, receive buffer and
// optional unreliable-channel FEC.
type Config = mux.Config

// DefaultConfig returns the baseline defaults for every sub-component.
func DefaultConfig() Config {
	return mux.DefaultConfig()
}

// Hooks lets the host observe retransmits, drops, skips and RTT samples
// for metrics, beyond the messages delivered through Recv.
type Hooks = mux.Hooks

// Message is one application-facing delivery.
type Message = mux.Message

// Endpoint is one side of an H-UDP peer pair: a thin facade over
// internal/mux.Mux.
type Endpoint struct {
	m *mux.Mux
}

// Dial opens localAddr and fixes peerAddr as the remote side up front.
// Use this when the peer's address is known in advance (the client side
// of a pair).
func Dial(localAddr, peerAddr string, cfg Config, hooks Hooks, logger *zap.Logger) (*Endpoint, error) {
	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, err
	}
	peer, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	m, err := mux.New(conn, peer, cfg, hooks, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Endpoint{m: m}, nil
}

// Listen opens localAddr with no peer fixed up front; the peer address is
// learned from the first datagram received. Use this for the server side
// of a pair.
func Listen(localAddr string, cfg Config, hooks Hooks, logger *zap.Logger) (*Endpoint, error) {
	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, err
	}

	m, err := mux.New(conn, nil, cfg, hooks, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Endpoint{m: m}, nil
}

// SetImpair wraps the Endpoint's raw datagram send with mw, e.g. to
// attach a loss/delay/jitter emulator. Must be called before Start.
func (e *Endpoint) SetImpair(mw func(mux.WriteFunc) mux.WriteFunc) {
	e.m.SetImpair(mw)
}

// Start launches every background worker (reader, writer, SR timer,
// pacer, skip timer, FEC group expiry).
func (e *Endpoint) Start() { e.m.Start() }

// Stop shuts every worker down. Idempotent.
func (e *Endpoint) Stop() { e.m.Stop() }

// Send queues payload on the reliable channel, blocking up to
// Config.Sender.SendBlockTimeout if the effective window is full.
func (e *Endpoint) Send(payload []byte) (seq uint16, err error) {
	return e.m.SendReliable(payload)
}

// SendUnreliable transmits payload immediately with no retransmission.
func (e *Endpoint) SendUnreliable(payload []byte) error {
	return e.m.SendUnreliable(payload)
}

// Recv blocks until a message arrives on either channel, or ctx is
// canceled.
func (e *Endpoint) Recv(ctx context.Context) (Message, error) {
	return e.m.Recv(ctx)
}

// Peer returns the currently known peer address, or nil if none yet
// (a Listen()-side Endpoint before its first datagram arrives).
func (e *Endpoint) Peer() net.Addr {
	return e.m.Peer()
}

// LocalAddr returns the address the Endpoint's socket is bound to.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.m.LocalAddr()
}

// SenderStats returns a point-in-time snapshot of the reliable channel's
// sender state, for metrics and tests.
func (e *Endpoint) SenderStats() reliability.Stats {
	return e.m.SenderStats()
}

// ReceiverStats returns a point-in-time snapshot of the reliable channel's
// receiver state, for metrics and tests.
func (e *Endpoint) ReceiverStats() reliability.ReceiverStats {
	return e.m.ReceiverStats()
}

// ErrWouldBlock is returned by Send when the reliable channel's effective
// window has been full for longer than Config.Sender.SendBlockTimeout.
var ErrWouldBlock = reliability.ErrWouldBlock

// ErrClosed is returned by Send/Recv once the Endpoint has been stopped.
var ErrClosed = reliability.ErrClosed

// ErrNoPeer is returned by Send and SendUnreliable before any peer
// address is known.
var ErrNoPeer = mux.ErrNoPeer

// SendTimeout is a convenience constant matching DefaultConfig's
// Sender.SendBlockTimeout, exported for callers constructing their own
// context deadlines around Send.
const SendTimeout = time.Second
