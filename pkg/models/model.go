package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
)

// GlobalModelState maps parameter names to flat numeric tensors.
// The round scheduler holds exclusive ownership of the current state:
// it is replaced by aggregation each round, never mutated in place.
type GlobalModelState map[string][]float64

// Clone returns a deep copy of the state
func (s GlobalModelState) Clone() GlobalModelState {
	out := make(GlobalModelState, len(s))
	for k, v := range s {
		cp := make([]float64, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Keys returns the parameter names in sorted order
func (s GlobalModelState) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SameShape reports whether other has exactly the same parameter
// topology (key set and per-parameter tensor length) as s.
func (s GlobalModelState) SameShape(other GlobalModelState) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || len(ov) != len(v) {
			return false
		}
	}
	return true
}

// Checksum returns a hex SHA-256 over the canonical key-sorted
// serialization of the state. Used by RoundRecord to make round
// ordering externally verifiable.
func (s GlobalModelState) Checksum() string {
	h := sha256.New()
	var buf [8]byte
	for _, k := range s.Keys() {
		h.Write([]byte(k))
		h.Write([]byte{0})
		for _, v := range s[k] {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
