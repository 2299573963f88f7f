// Package wire implements the H-UDP packet codec: a fixed 7-byte data
// header, a fixed 5-byte ACK packet, and the millisecond clock source used
// for one-way latency timestamps.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Tag identifies the packet type carried by the leading byte of every
// datagram.
type Tag uint8

const (
	TagReliable   Tag = 0
	TagUnreliable Tag = 1
	TagACK        Tag = 2
)

const (
	// HeaderSize is the size in bytes of a data header:
	// tag(1) | seq(2) | timestamp_ms(4).
	HeaderSize = 7

	// AckSize is the size in bytes of an ACK packet:
	// tag(1) | ack_seq(2) | recv_window(2).
	AckSize = 5
)

// NowMS returns the lower 32 bits of the current wall-clock time in
// milliseconds, the value carried in Header.TimestampMs.
func NowMS() uint32 {
	return uint32(time.Now().UnixMilli())
}

// Header is the fixed data-packet header.
type Header struct {
	Tag         Tag
	Seq         uint16
	TimestampMs uint32
}

// Marshal packs the header into a freshly allocated 7-byte big-endian
// buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Tag)
	binary.BigEndian.PutUint16(buf[1:3], h.Seq)
	binary.BigEndian.PutUint32(buf[3:7], h.TimestampMs)
	return buf
}

// UnmarshalHeader decodes a data header from the front of data. It returns
// an error if data is shorter than HeaderSize; the multiplexer discards
// any such datagram silently per the malformed-datagram policy.
func UnmarshalHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: need %d bytes, got %d", HeaderSize, len(data))
	}
	return Header{
		Tag:         Tag(data[0]),
		Seq:         binary.BigEndian.Uint16(data[1:3]),
		TimestampMs: binary.BigEndian.Uint32(data[3:7]),
	}, nil
}

// Ack is the fixed ACK packet.
type Ack struct {
	AckSeq     uint16
	RecvWindow uint16
}

// Marshal packs the ACK into a freshly allocated 5-byte big-endian buffer.
func (a Ack) Marshal() []byte {
	buf := make([]byte, AckSize)
	buf[0] = byte(TagACK)
	binary.BigEndian.PutUint16(buf[1:3], a.AckSeq)
	binary.BigEndian.PutUint16(buf[3:5], a.RecvWindow)
	return buf
}

// UnmarshalAck decodes an ACK packet. It returns an error if data is
// shorter than AckSize.
func UnmarshalAck(data []byte) (Ack, error) {
	if len(data) < AckSize {
		return Ack{}, fmt.Errorf("wire: short ack: need %d bytes, got %d", AckSize, len(data))
	}
	return Ack{
		AckSeq:     binary.BigEndian.Uint16(data[1:3]),
		RecvWindow: binary.BigEndian.Uint16(data[3:5]),
	}, nil
}

// PeekTag reads the leading tag byte without validating length beyond 1
// byte. Callers must still check datagram length against HeaderSize or
// AckSize before treating the result as a full packet.
func PeekTag(data []byte) (Tag, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("wire: empty datagram")
	}
	return Tag(data[0]), nil
}
