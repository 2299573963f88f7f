package fec

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// ShardHeaderSize is the size in bytes of the group-id/shard-index
// preamble that precedes every FEC shard's payload inside an unreliable
// datagram: group_id(8) | shard_index(1) | is_parity(1).
const ShardHeaderSize = 10

// ShardHeader identifies one shard of one FEC group within an unreliable
// datagram's payload.
type ShardHeader struct {
	GroupID    uint64
	ShardIndex uint8
	IsParity   bool
}

// Marshal packs the shard header into a freshly allocated buffer.
func (h ShardHeader) Marshal() []byte {
	buf := make([]byte, ShardHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], h.GroupID)
	buf[8] = h.ShardIndex
	if h.IsParity {
		buf[9] = 1
	}
	return buf
}

// UnmarshalShardHeader decodes a shard header from the front of data.
func UnmarshalShardHeader(data []byte) (ShardHeader, error) {
	if len(data) < ShardHeaderSize {
		return ShardHeader{}, fmt.Errorf("fec: short shard header: need %d bytes, got %d", ShardHeaderSize, len(data))
	}
	return ShardHeader{
		GroupID:    binary.BigEndian.Uint64(data[0:8]),
		ShardIndex: data[8],
		IsParity:   data[9] != 0,
	}, nil
}

// GroupCodec wraps an Encoder/Decoder pair with the wire framing
// (ShardHeader + payload) needed to send and receive FEC shards as plain
// unreliable datagrams. A GroupCodec's encode side must not be shared
// across goroutines without external serialization of EncodeOutbound
// calls, matching the single-writer assumption the multiplexer already
// holds for the unreliable channel.
type GroupCodec struct {
	dataShards int

	mu        sync.Mutex
	enc       *Encoder
	dec       *Decoder
	nextSlot  int
	curGroup  uint64
	groupSeq  uint64
}

// NewGroupCodec builds a codec for the given group shape.
func NewGroupCodec(cfg *Config) (*GroupCodec, error) {
	enc, err := NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	dec, err := NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	dataShards, _ := enc.GetConfig()
	return &GroupCodec{
		dataShards: dataShards,
		enc:        enc,
		dec:        dec,
		groupSeq:   1,
		curGroup:   1,
	}, nil
}

// EncodeOutbound adds payload to the current outbound group. It always
// returns the framed data shard ready to send; once the group fills, it
// also returns the framed parity shards generated for that now-complete
// group.
func (c *GroupCodec) EncodeOutbound(payload []byte) (dataFrame []byte, parityFrames [][]byte, err error) {
	c.mu.Lock()
	groupID := c.curGroup
	slot := c.nextSlot
	c.nextSlot++
	if c.nextSlot == c.dataShards {
		c.nextSlot = 0
		c.groupSeq++
		c.curGroup = c.groupSeq
	}
	c.mu.Unlock()

	_, parity, err := c.enc.AddData(payload)
	if err != nil {
		return nil, nil, err
	}

	dataFrame = ShardHeader{GroupID: groupID, ShardIndex: uint8(slot), IsParity: false}.Marshal()
	dataFrame = append(dataFrame, payload...)

	if parity == nil {
		return dataFrame, nil, nil
	}

	for i, shard := range parity {
		frame := ShardHeader{GroupID: groupID, ShardIndex: uint8(i), IsParity: true}.Marshal()
		frame = append(frame, shard...)
		parityFrames = append(parityFrames, frame)
	}
	return dataFrame, parityFrames, nil
}

// IngestInbound decodes a shard-framed unreliable datagram. It returns the
// recovered data shards the instant a group becomes decodable (complete or
// reconstructed), or nil while the group is still incomplete.
func (c *GroupCodec) IngestInbound(frame []byte) (recovered [][]byte, err error) {
	hdr, err := UnmarshalShardHeader(frame)
	if err != nil {
		return nil, err
	}
	shard := frame[ShardHeaderSize:]
	return c.dec.AddShard(hdr.GroupID, int(hdr.ShardIndex), shard, hdr.IsParity)
}

// ExpireStaleGroups drops incomplete inbound groups older than maxAge.
func (c *GroupCodec) ExpireStaleGroups(maxAge time.Duration) {
	c.dec.ExpireGroups(maxAge)
}
