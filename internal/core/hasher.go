package core

import (
	"PegLedger/internal/event"
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PegLedger:genesis:v1"

// StateHasher chains a hash over every committed operation.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip, used when restoring a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// StateDigest encodes deltas canonically: for each delta in path order, a
// length-prefixed path followed by the 32-byte big-endian post-state.
func StateDigest(deltas []event.PositionDelta) []byte {
	digest := make([]byte, 0, len(deltas)*96)
	for _, d := range deltas {
		digest = append(digest, byte(len(d.Path)))
		digest = append(digest, d.Path...)
		next := d.Next.Bytes32()
		digest = append(digest, next[:]...)
	}
	return digest
}
