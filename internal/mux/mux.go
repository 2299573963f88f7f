// Package mux implements the H-UDP channel multiplexer: one UDP socket
// shared by a reliable channel (Selective-Repeat ARQ), an unreliable
// channel (fire-and-forget, optionally FEC-protected) and ACKs, demuxed by
// the leading tag byte of every datagram.
package mux

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sk2001git/hudp/internal/fec"
	"github.com/sk2001git/hudp/internal/reliability"
	"github.com/sk2001git/hudp/internal/wire"
)

// ErrNoPeer is returned by SendReliable and SendUnreliable before any peer
// address is known (nothing received yet, and none configured via Dial).
var ErrNoPeer = errors.New("hudp: no peer address")

// FECConfig controls the optional unreliable-channel redundancy layer.
type FECConfig struct {
	Enabled       bool
	DataShards    int
	ParityShards  int
	GroupLifetime time.Duration
}

// DefaultFECConfig returns the baseline FEC defaults, disabled.
func DefaultFECConfig() FECConfig {
	return FECConfig{
		Enabled:       false,
		DataShards:    fec.DefaultDataShards,
		ParityShards:  fec.DefaultParityShards,
		GroupLifetime: fec.DefaultGroupLifetime,
	}
}

// Config bundles the sender, receiver and FEC configuration for a Mux.
type Config struct {
	Sender   reliability.SenderConfig
	Receiver reliability.ReceiverConfig
	FEC      FECConfig
}

// DefaultConfig returns the baseline defaults for every sub-component.
func DefaultConfig() Config {
	return Config{
		Sender:   reliability.DefaultSenderConfig(),
		Receiver: reliability.DefaultReceiverConfig(),
		FEC:      DefaultFECConfig(),
	}
}

// Message is one application-facing delivery: a reliable-channel payload
// in sequence order, or an unreliable-channel payload as it arrived (or
// was FEC-reconstructed).
type Message struct {
	Channel     wire.Tag
	Seq         uint16
	TimestampMs uint32
	Payload     []byte
}

// Hooks lets the host observe retransmits, skips, drops and RTT samples
// for metrics, beyond the Messages already delivered through Recv. All are
// optional.
type Hooks struct {
	OnRetransmit func(seq uint16)
	OnSkip       func(seq uint16)
	OnDrop       func(seq uint16)
	OnRTT        func(seq uint16, rtt time.Duration)
}

// Mux owns a single net.PacketConn and multiplexes the reliable,
// unreliable and ACK traffic flowing over it.
type Mux struct {
	conn net.PacketConn
	log  *zap.Logger
	cfg  Config
	hook Hooks
	now  func() time.Time

	peerMu sync.RWMutex
	peer   net.Addr

	sender   *reliability.Sender
	receiver *reliability.Receiver

	tsMu      sync.Mutex
	pendingTs map[uint16]uint32

	unreliableSeq uint32

	fecEnc *fec.GroupCodec
	fecDec *fec.GroupCodec

	writeFn WriteFunc
	writeCh chan frame
	recvCh  chan Message

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type frame struct {
	addr net.Addr
	data []byte
}

// WriteFunc is the signature of the raw datagram send operation. SetImpair
// lets a host wrap it (e.g. with a loss/delay/jitter emulator) without the
// mux package needing to know anything about that host's impairment
// tooling.
type WriteFunc func(data []byte, addr net.Addr) error

// New constructs a Mux bound to conn. If peer is non-nil the socket is
// treated as already connected to that address (Dial-style); otherwise
// the peer address is learned from the first datagram received
// (Listen-style), matching a single fixed peer pair per the
// Non-goals (no multi-peer multiplexing).
func New(conn net.PacketConn, peer net.Addr, cfg Config, hooks Hooks, logger *zap.Logger) (*Mux, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Mux{
		conn:      conn,
		log:       logger,
		cfg:       cfg,
		hook:      hooks,
		now:       time.Now,
		peer:      peer,
		writeCh:   make(chan frame, 256),
		recvCh:    make(chan Message, 256),
		stopCh:    make(chan struct{}),
		pendingTs: make(map[uint16]uint32),
	}
	m.writeFn = func(data []byte, addr net.Addr) error {
		_, err := conn.WriteTo(data, addr)
		return err
	}

	if cfg.FEC.Enabled {
		fc := &fec.Config{DataShards: cfg.FEC.DataShards, ParityShards: cfg.FEC.ParityShards}
		enc, err := fec.NewGroupCodec(fc)
		if err != nil {
			return nil, err
		}
		dec, err := fec.NewGroupCodec(fc)
		if err != nil {
			return nil, err
		}
		m.fecEnc = enc
		m.fecDec = dec
	}

	m.sender = reliability.NewSender(cfg.Sender, reliability.SenderCallbacks{
		OnSendRaw:    m.onSenderSendRaw,
		OnDrop:       m.onSenderDrop,
		OnRTT:        m.onSenderRTT,
		OnRetransmit: m.onSenderRetransmit,
	}, nil, logger.Named("sender"))

	m.receiver = reliability.NewReceiver(cfg.Receiver, reliability.ReceiverCallbacks{
		OnDeliver: m.onReceiverDeliver,
		OnAck:     m.onReceiverAck,
		OnSkip:    m.onReceiverSkip,
	}, nil, logger.Named("receiver"))

	return m, nil
}

// SetImpair wraps the mux's raw datagram send with mw, e.g. to attach a
// loss/delay/jitter emulator. Must be called before Start.
func (m *Mux) SetImpair(mw func(WriteFunc) WriteFunc) {
	m.writeFn = mw(m.writeFn)
}

// Start launches the reader, writer and the sender/receiver's own
// background workers.
func (m *Mux) Start() {
	m.sender.Start()
	m.receiver.Start()
	m.wg.Add(2)
	go m.readLoop()
	go m.writeLoop()

	if m.fecDec != nil {
		m.wg.Add(1)
		go m.fecExpiryLoop()
	}
}

// Stop shuts every worker down. Idempotent.
func (m *Mux) Stop() {
	m.once.Do(func() {
		close(m.stopCh)
		m.sender.Stop()
		m.receiver.Stop()
		m.conn.Close()
		m.wg.Wait()
		close(m.recvCh)
	})
}

func (m *Mux) setPeer(addr net.Addr) {
	m.peerMu.Lock()
	if m.peer == nil {
		m.peer = addr
	}
	m.peerMu.Unlock()
}

// Peer returns the currently known peer address, or nil if none yet.
func (m *Mux) Peer() net.Addr {
	m.peerMu.RLock()
	defer m.peerMu.RUnlock()
	return m.peer
}

// LocalAddr returns the address the underlying socket is bound to.
func (m *Mux) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// SenderStats returns a point-in-time snapshot of the reliable channel's
// sender state, for metrics and tests.
func (m *Mux) SenderStats() reliability.Stats {
	return m.sender.Snapshot()
}

// ReceiverStats returns a point-in-time snapshot of the reliable channel's
// receiver state, for metrics and tests.
func (m *Mux) ReceiverStats() reliability.ReceiverStats {
	return m.receiver.Snapshot()
}

func (m *Mux) nowMs() uint32 {
	return uint32(m.now().UnixMilli())
}

// SendReliable hands payload to the SR sender. It blocks per
// SenderConfig.SendBlockTimeout if the effective window is full.
func (m *Mux) SendReliable(payload []byte) (uint16, error) {
	if m.Peer() == nil {
		return 0, ErrNoPeer
	}
	return m.sender.Send(payload)
}

// SendUnreliable transmits payload immediately with no retransmission.
// When FEC is enabled, payload is sent whole as one framed data shard, and
// the group's parity shards follow as extra datagrams once the group fills.
func (m *Mux) SendUnreliable(payload []byte) error {
	peer := m.Peer()
	if peer == nil {
		return ErrNoPeer
	}

	if m.fecEnc == nil {
		return m.sendUnreliableFrame(peer, payload)
	}

	dataFrame, parityFrames, err := m.fecEnc.EncodeOutbound(payload)
	if err != nil {
		return err
	}
	if err := m.sendUnreliableFrame(peer, dataFrame); err != nil {
		return err
	}
	for _, pf := range parityFrames {
		if err := m.sendUnreliableFrame(peer, pf); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mux) sendUnreliableFrame(peer net.Addr, payload []byte) error {
	seq := uint16(atomic.AddUint32(&m.unreliableSeq, 1))
	hdr := wire.Header{Tag: wire.TagUnreliable, Seq: seq, TimestampMs: m.nowMs()}
	buf := append(hdr.Marshal(), payload...)

	select {
	case m.writeCh <- frame{addr: peer, data: buf}:
		return nil
	case <-m.stopCh:
		return reliability.ErrClosed
	}
}

// Recv blocks until an application-facing message arrives or ctx is
// canceled.
func (m *Mux) Recv(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-m.recvCh:
		if !ok {
			return Message{}, reliability.ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (m *Mux) onSenderSendRaw(seq uint16, payload []byte) {
	peer := m.Peer()
	if peer == nil {
		return
	}
	hdr := wire.Header{Tag: wire.TagReliable, Seq: seq, TimestampMs: m.nowMs()}
	buf := append(hdr.Marshal(), payload...)
	select {
	case m.writeCh <- frame{addr: peer, data: buf}:
	case <-m.stopCh:
	}
}

func (m *Mux) onSenderDrop(seq uint16) {
	if m.hook.OnDrop != nil {
		m.hook.OnDrop(seq)
	}
}

func (m *Mux) onSenderRetransmit(seq uint16) {
	if m.hook.OnRetransmit != nil {
		m.hook.OnRetransmit(seq)
	}
}

func (m *Mux) onSenderRTT(seq uint16, rtt time.Duration) {
	if m.hook.OnRTT != nil {
		m.hook.OnRTT(seq, rtt)
	}
}

func (m *Mux) onReceiverDeliver(seq uint16, payload []byte) {
	m.tsMu.Lock()
	ts := m.pendingTs[seq]
	delete(m.pendingTs, seq)
	m.tsMu.Unlock()

	select {
	case m.recvCh <- Message{Channel: wire.TagReliable, Seq: seq, TimestampMs: ts, Payload: payload}:
	case <-m.stopCh:
	}
}

func (m *Mux) onReceiverAck(ackSeq uint16, recvWindow uint16) {
	peer := m.Peer()
	if peer == nil {
		return
	}
	ack := wire.Ack{AckSeq: ackSeq, RecvWindow: recvWindow}
	select {
	case m.writeCh <- frame{addr: peer, data: ack.Marshal()}:
	case <-m.stopCh:
	}
}

func (m *Mux) onReceiverSkip(seq uint16) {
	if m.hook.OnSkip != nil {
		m.hook.OnSkip(seq)
	}
}

const maxDatagramSize = 65507

func (m *Mux) readLoop() {
	defer m.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.log.Debug("read error", zap.Error(err))
				return
			}
		}
		if n == 0 {
			continue
		}

		m.setPeer(addr)

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		m.handleDatagram(datagram)
	}
}

func (m *Mux) handleDatagram(datagram []byte) {
	tag, err := wire.PeekTag(datagram)
	if err != nil {
		return
	}

	switch tag {
	case wire.TagReliable:
		hdr, err := wire.UnmarshalHeader(datagram)
		if err != nil {
			m.log.Debug("malformed reliable datagram discarded", zap.Error(err))
			return
		}
		m.tsMu.Lock()
		m.pendingTs[hdr.Seq] = hdr.TimestampMs
		m.tsMu.Unlock()
		m.receiver.OnData(hdr.Seq, datagram[wire.HeaderSize:])

	case wire.TagACK:
		ack, err := wire.UnmarshalAck(datagram)
		if err != nil {
			m.log.Debug("malformed ack discarded", zap.Error(err))
			return
		}
		m.sender.Ack(ack.AckSeq, ack.RecvWindow)

	case wire.TagUnreliable:
		hdr, err := wire.UnmarshalHeader(datagram)
		if err != nil {
			m.log.Debug("malformed unreliable datagram discarded", zap.Error(err))
			return
		}
		m.handleUnreliablePayload(hdr, datagram[wire.HeaderSize:])

	default:
		m.log.Debug("unknown tag discarded", zap.Uint8("tag", uint8(tag)))
	}
}

func (m *Mux) handleUnreliablePayload(hdr wire.Header, payload []byte) {
	if m.fecDec == nil {
		select {
		case m.recvCh <- Message{Channel: wire.TagUnreliable, Seq: hdr.Seq, TimestampMs: hdr.TimestampMs, Payload: payload}:
		case <-m.stopCh:
		}
		return
	}

	recovered, err := m.fecDec.IngestInbound(payload)
	if err != nil {
		m.log.Debug("malformed fec shard discarded", zap.Error(err))
		return
	}
	for _, shard := range recovered {
		select {
		case m.recvCh <- Message{Channel: wire.TagUnreliable, Seq: hdr.Seq, TimestampMs: hdr.TimestampMs, Payload: shard}:
		case <-m.stopCh:
			return
		}
	}
}

func (m *Mux) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case f := <-m.writeCh:
			if err := m.writeFn(f.data, f.addr); err != nil {
				m.log.Debug("write error", zap.Error(err))
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Mux) fecExpiryLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FEC.GroupLifetime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.fecDec.ExpireStaleGroups(m.cfg.FEC.GroupLifetime)
		case <-m.stopCh:
			return
		}
	}
}
