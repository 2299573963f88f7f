// Package fec applies Reed-Solomon redundancy to the unreliable channel
// only. Outbound unreliable
// payloads are batched into fixed-size groups and encoded with parity
// shards; each shard travels as its own unreliable datagram. The reliable
// channel and its sequence space are never touched by this package.
package fec

import (
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultDataShards is the default group size in payloads.
	DefaultDataShards = 4

	// DefaultParityShards is the default number of parity shards per group.
	DefaultParityShards = 2

	// MaxShardSize is the maximum size of a single shard.
	MaxShardSize = 1400

	// DefaultGroupLifetime bounds how long a decoding group waits for
	// enough shards before it's abandoned, matching the unreliable
	// channel's fire-and-forget semantics.
	DefaultGroupLifetime = 500 * time.Millisecond
)

// Config contains configuration for FEC.
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns the default FEC group shape.
func DefaultConfig() *Config {
	return &Config{
		DataShards:   DefaultDataShards,
		ParityShards: DefaultParityShards,
	}
}

func validateShardCounts(dataShards, parityShards int) error {
	if dataShards < 1 || dataShards > 256 {
		return fmt.Errorf("invalid data shards: %d (must be 1-256)", dataShards)
	}
	if parityShards < 0 || parityShards > 256 {
		return fmt.Errorf("invalid parity shards: %d (must be 0-256)", parityShards)
	}
	return nil
}

// outboundGroup accumulates payloads on the encode side until it has
// dataShards of them, at which point parity shards are generated for the
// whole group in one shot.
type outboundGroup struct {
	id       uint64
	shards   [][]byte
	filled   int
	complete bool
	parity   [][]byte
}

// Encoder batches outgoing unreliable payloads into fixed-size groups and
// produces Reed-Solomon parity shards once a group fills.
type Encoder struct {
	mu sync.Mutex

	dataShards   int
	parityShards int
	rs           reedsolomon.Encoder

	current *outboundGroup
	nextID  uint64
}

// NewEncoder creates a new FEC encoder for the given group shape.
func NewEncoder(config *Config) (*Encoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateShardCounts(config.DataShards, config.ParityShards); err != nil {
		return nil, err
	}
	rs, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	return &Encoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		rs:           rs,
		nextID:       1,
	}, nil
}

// GetConfig returns the encoder's group shape.
func (e *Encoder) GetConfig() (dataShards, parityShards int) {
	return e.dataShards, e.parityShards
}

// AddData adds a data packet to the current encoding group. It returns the
// group's parity shards (and the id they belong to) the instant the group
// fills; otherwise it returns (0, nil, nil) and the payload is held for
// the next call.
func (e *Encoder) AddData(data []byte) (groupID uint64, parityShards [][]byte, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || e.current.complete {
		e.current = &outboundGroup{
			id:     e.nextID,
			shards: make([][]byte, e.dataShards),
		}
		e.nextID++
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	e.current.shards[e.current.filled] = dataCopy
	e.current.filled++

	if e.current.filled < e.dataShards {
		return 0, nil, nil
	}
	if err := e.encodeCurrent(); err != nil {
		return 0, nil, fmt.Errorf("failed to encode group: %w", err)
	}
	e.current.complete = true
	return e.current.id, e.current.parity, nil
}

// encodeCurrent pads the group's data shards to equal length and runs the
// Reed-Solomon encoder over data+parity in place. Must be called with mu
// held and e.current fully populated.
func (e *Encoder) encodeCurrent() error {
	maxLen := 0
	for _, shard := range e.current.shards {
		if len(shard) > maxLen {
			maxLen = len(shard)
		}
	}
	for i, shard := range e.current.shards {
		if len(shard) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, shard)
			e.current.shards[i] = padded
		}
	}

	parity := make([][]byte, e.parityShards)
	for i := range parity {
		parity[i] = make([]byte, maxLen)
	}

	all := append(e.current.shards, parity...)
	if err := e.rs.Encode(all); err != nil {
		return fmt.Errorf("Reed-Solomon encoding failed: %w", err)
	}
	e.current.parity = all[e.dataShards:]
	return nil
}

// inboundGroup accumulates shards on the decode side until enough have
// arrived (or been reconstructed) to recover the original data shards.
type inboundGroup struct {
	dataShards   [][]byte
	parityShards [][]byte
	seen         []bool
	seenCount    int
	complete     bool
	firstSeenAt  time.Time
}

// Decoder reassembles groups from arriving data and parity shards,
// reconstructing whatever data shards were lost once enough of the group
// has arrived.
type Decoder struct {
	mu sync.RWMutex

	dataShards   int
	parityShards int
	rs           reedsolomon.Encoder

	groups map[uint64]*inboundGroup
}

// NewDecoder creates a new FEC decoder for the given group shape.
func NewDecoder(config *Config) (*Decoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateShardCounts(config.DataShards, config.ParityShards); err != nil {
		return nil, err
	}
	rs, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}
	return &Decoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		rs:           rs,
		groups:       make(map[uint64]*inboundGroup),
	}, nil
}

// AddShard adds one data or parity shard to groupID's decoding group.
// Returns the group's recovered data shards the instant reconstruction
// succeeds, or nil while the group is still incomplete.
func (d *Decoder) AddShard(groupID uint64, shardIndex int, data []byte, isParity bool) (recovered [][]byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	group, exists := d.groups[groupID]
	if !exists {
		group = &inboundGroup{
			dataShards:   make([][]byte, d.dataShards),
			parityShards: make([][]byte, d.parityShards),
			seen:         make([]bool, d.dataShards+d.parityShards),
			firstSeenAt:  time.Now(),
		}
		d.groups[groupID] = group
	}
	if group.complete {
		return nil, nil
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	var seenIdx int
	if isParity {
		if shardIndex < 0 || shardIndex >= d.parityShards {
			return nil, fmt.Errorf("invalid parity shard index: %d", shardIndex)
		}
		group.parityShards[shardIndex] = dataCopy
		seenIdx = d.dataShards + shardIndex
	} else {
		if shardIndex < 0 || shardIndex >= d.dataShards {
			return nil, fmt.Errorf("invalid data shard index: %d", shardIndex)
		}
		group.dataShards[shardIndex] = dataCopy
		seenIdx = shardIndex
	}
	if !group.seen[seenIdx] {
		group.seen[seenIdx] = true
		group.seenCount++
	}

	if group.seenCount < d.dataShards {
		return nil, nil
	}
	if err := d.reconstruct(group); err != nil {
		return nil, fmt.Errorf("failed to reconstruct group: %w", err)
	}
	group.complete = true
	return group.dataShards, nil
}

// reconstruct fills in any missing data shards of group using the
// Reed-Solomon parity already collected. Must be called with mu held.
func (d *Decoder) reconstruct(group *inboundGroup) error {
	all := make([][]byte, d.dataShards+d.parityShards)
	copy(all[:d.dataShards], group.dataShards)
	copy(all[d.dataShards:], group.parityShards)

	if err := d.rs.Reconstruct(all); err != nil {
		return fmt.Errorf("Reed-Solomon reconstruction failed: %w", err)
	}
	ok, err := d.rs.Verify(all)
	if err != nil {
		return fmt.Errorf("failed to verify reconstruction: %w", err)
	}
	if !ok {
		return fmt.Errorf("reconstruction verification failed")
	}

	for i := 0; i < d.dataShards; i++ {
		if group.dataShards[i] == nil {
			group.dataShards[i] = all[i]
		}
	}
	return nil
}

// ExpireGroups drops any incomplete decoding group older than maxAge,
// matching the unreliable channel's fire-and-forget semantics: a group
// that never collects enough shards in time is abandoned silently rather
// than held forever.
func (d *Decoder) ExpireGroups(maxAge time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, group := range d.groups {
		if group.complete {
			continue
		}
		if now.Sub(group.firstSeenAt) >= maxAge {
			delete(d.groups, id)
		}
	}
}

// ActiveGroups reports how many decoding groups (complete or not) are
// currently held, for tests and diagnostics.
func (d *Decoder) ActiveGroups() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}
