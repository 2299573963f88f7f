package fec

import "testing"

func TestShardHeaderRoundTrip(t *testing.T) {
	h := ShardHeader{GroupID: 77, ShardIndex: 3, IsParity: true}
	buf := h.Marshal()
	if len(buf) != ShardHeaderSize {
		t.Fatalf("marshaled shard header size = %d, want %d", len(buf), ShardHeaderSize)
	}

	got, err := UnmarshalShardHeader(buf)
	if err != nil {
		t.Fatalf("UnmarshalShardHeader: %v", err)
	}
	if got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestUnmarshalShardHeaderShort(t *testing.T) {
	if _, err := UnmarshalShardHeader(make([]byte, ShardHeaderSize-1)); err == nil {
		t.Errorf("expected error decoding short shard header")
	}
}

func TestGroupCodecRecoversFromOneLostShard(t *testing.T) {
	cfg := &Config{DataShards: 3, ParityShards: 1}
	encoderSide, err := NewGroupCodec(cfg)
	if err != nil {
		t.Fatalf("NewGroupCodec (encoder side): %v", err)
	}
	decoderSide, err := NewGroupCodec(cfg)
	if err != nil {
		t.Fatalf("NewGroupCodec (decoder side): %v", err)
	}

	payloads := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}

	var dataFrames [][]byte
	var parityFrames [][]byte
	for _, p := range payloads {
		df, pf, err := encoderSide.EncodeOutbound(p)
		if err != nil {
			t.Fatalf("EncodeOutbound: %v", err)
		}
		dataFrames = append(dataFrames, df)
		if pf != nil {
			parityFrames = pf
		}
	}
	if len(parityFrames) != cfg.ParityShards {
		t.Fatalf("expected %d parity frames, got %d", cfg.ParityShards, len(parityFrames))
	}

	// Simulate the datagram carrying dataFrames[1] ("beta") being lost:
	// deliver everything else to the decoder side.
	var recovered [][]byte
	for i, df := range dataFrames {
		if i == 1 {
			continue
		}
		if rec, err := decoderSide.IngestInbound(df); err != nil {
			t.Fatalf("IngestInbound(data %d): %v", i, err)
		} else if rec != nil {
			recovered = rec
		}
	}
	for _, pf := range parityFrames {
		if rec, err := decoderSide.IngestInbound(pf); err != nil {
			t.Fatalf("IngestInbound(parity): %v", err)
		} else if rec != nil {
			recovered = rec
		}
	}

	if recovered == nil {
		t.Fatal("expected the group to be reconstructed once enough shards arrived")
	}
	if string(recovered[1][:len(payloads[1])]) != string(payloads[1]) {
		t.Errorf("recovered shard 1 = %q, want prefix %q", recovered[1], payloads[1])
	}
}
