package mux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sk2001git/hudp/internal/wire"
)

func newLoopbackPair(t *testing.T, cfg Config) (*Mux, *Mux) {
	t.Helper()

	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket A: %v", err)
	}
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket B: %v", err)
	}

	a, err := New(connA, connB.LocalAddr(), cfg, Hooks{}, nil)
	if err != nil {
		t.Fatalf("New A: %v", err)
	}
	b, err := New(connB, connA.LocalAddr(), cfg, Hooks{}, nil)
	if err != nil {
		t.Fatalf("New B: %v", err)
	}

	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})

	return a, b
}

func TestMuxReliableDeliveryInOrder(t *testing.T) {
	a, b := newLoopbackPair(t, DefaultConfig())

	for _, payload := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		if _, err := a.SendReliable(payload); err != nil {
			t.Fatalf("SendReliable: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	for i := 0; i < 3; i++ {
		msg, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv #%d: %v", i, err)
		}
		if msg.Channel != wire.TagReliable {
			t.Errorf("message #%d channel = %v, want reliable", i, msg.Channel)
		}
		got = append(got, string(msg.Payload))
	}

	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivered[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMuxUnreliableDeliveryWithoutFEC(t *testing.T) {
	a, b := newLoopbackPair(t, DefaultConfig())

	// The unreliable send path needs to know the peer; on A that's
	// pre-configured via Dial-style New(), so no warm-up packet is needed.
	if err := a.SendUnreliable([]byte("fire-and-forget")); err != nil {
		t.Fatalf("SendUnreliable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Channel != wire.TagUnreliable {
		t.Errorf("channel = %v, want unreliable", msg.Channel)
	}
	if string(msg.Payload) != "fire-and-forget" {
		t.Errorf("payload = %q, want %q", msg.Payload, "fire-and-forget")
	}
}

func TestMuxUnreliableSendWithNoPeerFailsFast(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	m, err := New(conn, nil, DefaultConfig(), Hooks{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start()
	defer m.Stop()

	if err := m.SendUnreliable([]byte("x")); err != ErrNoPeer {
		t.Errorf("SendUnreliable with no peer = %v, want ErrNoPeer", err)
	}
}

func TestMuxFECRecoversUnreliableGroup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FEC.Enabled = true
	cfg.FEC.DataShards = 3
	cfg.FEC.ParityShards = 1
	a, b := newLoopbackPair(t, cfg)

	for _, payload := range [][]byte{[]byte("x"), []byte("y"), []byte("z")} {
		if err := a.SendUnreliable(payload); err != nil {
			t.Fatalf("SendUnreliable: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := 0
	for seen < 3 {
		if _, err := b.Recv(ctx); err != nil {
			t.Fatalf("Recv: %v", err)
		}
		seen++
	}
}

func TestMuxSendReliableWithNoPeerReturnsErrNoPeer(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Sender.SendBlockTimeout = time.Second
	cfg.Sender.WindowSize = 1

	m, err := New(conn, nil, cfg, Hooks{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start()
	defer m.Stop()

	if _, err := m.SendReliable([]byte("p")); err != ErrNoPeer {
		t.Fatalf("SendReliable with no peer: got %v, want ErrNoPeer", err)
	}
}
