// Package scenario wires an in-memory lossy, delayed net.PacketConn pair
// so the reliable channel can be exercised end-to-end without a real
// socket, grounded on original_source/hudp/emulator.py's loss/delay/jitter
// model and test_sr_protocol.py's NetworkSimulator scheduling.
package scenario

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// Config is a NetworkSimulator-equivalent impairment profile for one
// direction of a LossyConn pair.
type Config struct {
	LossRate          float64
	DelayMs           int
	JitterMs          int
	ReorderingEnabled bool
}

// addr is a synthetic net.Addr identifying one side of an in-memory link.
type addr string

func (a addr) Network() string { return "scenario" }
func (a addr) String() string  { return string(a) }

type packet struct {
	data []byte
	from net.Addr
}

// ErrConnClosed is returned by ReadFrom/WriteTo once Close has been called.
var ErrConnClosed = errors.New("scenario: conn closed")

// LossyConn is a net.PacketConn backed by an in-memory channel instead of
// a socket. Writes are delayed, jittered, reordered and dropped according
// to Config before being handed to the peer's read side.
type LossyConn struct {
	self addr
	cfg  Config

	rndMu sync.Mutex
	rnd   *rand.Rand

	peer *LossyConn

	recvCh chan packet

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPair builds two LossyConns wired to each other, each applying its own
// Config to its own outbound direction. Pass identical Configs for a
// symmetric link, or two different ones to model asymmetric loss.
func NewPair(cfgAToB, cfgBToA Config) (*LossyConn, *LossyConn) {
	a := &LossyConn{
		self:   addr("scenario-a"),
		cfg:    cfgAToB,
		rnd:    rand.New(rand.NewSource(1)),
		recvCh: make(chan packet, 256),
		closed: make(chan struct{}),
	}
	b := &LossyConn{
		self:   addr("scenario-b"),
		cfg:    cfgBToA,
		rnd:    rand.New(rand.NewSource(2)),
		recvCh: make(chan packet, 256),
		closed: make(chan struct{}),
	}
	a.peer = b
	b.peer = a
	return a, b
}

// LocalAddr returns this side's synthetic address.
func (c *LossyConn) LocalAddr() net.Addr { return c.self }

// WriteTo applies loss/delay/jitter/reordering and, absent a drop,
// schedules data's arrival on the peer's ReadFrom channel. addr is ignored
// beyond validating the conn is still open — a LossyConn pair has exactly
// one possible destination, its peer.
func (c *LossyConn) WriteTo(data []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrConnClosed
	default:
	}

	if c.shouldDrop() {
		return len(data), nil
	}

	buf := append([]byte(nil), data...)
	d := c.delay()
	peer := c.peer
	from := c.self
	time.AfterFunc(d, func() {
		select {
		case peer.recvCh <- packet{data: buf, from: from}:
		case <-peer.closed:
		}
	})
	return len(data), nil
}

// ReadFrom blocks until a packet arrives or the conn is closed.
func (c *LossyConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.recvCh:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	case <-c.closed:
		return 0, nil, ErrConnClosed
	}
}

// Close unblocks any pending ReadFrom/WriteTo. Idempotent.
func (c *LossyConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *LossyConn) SetDeadline(t time.Time) error      { return nil }
func (c *LossyConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *LossyConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *LossyConn) rollFloat64() float64 {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.rnd.Float64()
}

func (c *LossyConn) rollIntn(n int) int {
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.rnd.Intn(n)
}

// delay computes the simulated one-way transit time for the next packet,
// mirroring UDPEngineEmulator.get_delay_ms plus NetworkSimulator's
// probabilistic reordering bump.
func (c *LossyConn) delay() time.Duration {
	delayMs := float64(c.cfg.DelayMs)
	if c.cfg.JitterMs > 0 {
		delayMs += (c.rollFloat64()*2 - 1) * float64(c.cfg.JitterMs)
	}
	if delayMs < 0 {
		delayMs = 0
	}
	d := time.Duration(delayMs * float64(time.Millisecond))
	if c.cfg.ReorderingEnabled && c.rollFloat64() < 0.3 {
		d += time.Duration(50+c.rollIntn(50)) * time.Millisecond
	}
	return d
}

// shouldDrop mirrors UDPEngineEmulator.drop_packet.
func (c *LossyConn) shouldDrop() bool {
	if c.cfg.LossRate <= 0 {
		return false
	}
	return c.rollFloat64() < c.cfg.LossRate
}
