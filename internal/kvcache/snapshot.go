package kvcache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const snapshotVersion = 1

type snapshotPlane struct {
	Codes  []byte    `cbor:"codes"`
	Mins   []float32 `cbor:"mins"`
	Scales []float32 `cbor:"scales"`
	Len    int       `cbor:"len"`
}

type snapshotEnvelope struct {
	Version int           `cbor:"version"`
	K       snapshotPlane `cbor:"k"`
	V       snapshotPlane `cbor:"v"`
}

// Snapshot serializes the cache entry to a versioned CBOR payload.
func (q *Quantized) Snapshot() ([]byte, error) {
	env := snapshotEnvelope{
		Version: snapshotVersion,
		K:       snapshotPlane{Codes: q.k.codes, Mins: q.k.mins, Scales: q.k.scales, Len: q.k.n},
		V:       snapshotPlane{Codes: q.v.codes, Mins: q.v.mins, Scales: q.v.scales, Len: q.v.n},
	}
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Restore rebuilds a cache entry from a Snapshot payload, rejecting
// payloads whose block parameters do not match the element counts.
func Restore(data []byte) (*Quantized, error) {
	var env snapshotEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d not supported", env.Version)
	}
	k, err := restorePlane(env.K)
	if err != nil {
		return nil, fmt.Errorf("key plane: %w", err)
	}
	v, err := restorePlane(env.V)
	if err != nil {
		return nil, fmt.Errorf("value plane: %w", err)
	}
	return &Quantized{k: k, v: v}, nil
}

func restorePlane(s snapshotPlane) (plane, error) {
	if s.Len < 0 || len(s.Codes) != s.Len {
		return plane{}, fmt.Errorf("%d codes for %d elements", len(s.Codes), s.Len)
	}
	nb := (s.Len + BlockSize - 1) / BlockSize
	if len(s.Mins) != nb || len(s.Scales) != nb {
		return plane{}, fmt.Errorf("%d mins and %d scales for %d blocks", len(s.Mins), len(s.Scales), nb)
	}
	return plane{codes: s.Codes, mins: s.Mins, scales: s.Scales, n: s.Len}, nil
}
