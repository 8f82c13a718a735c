package shuffle

import (
	"math/rand"

	"github.com/auroradata-ai/dppir/internal/types"
)

// LocalShuffler permutes the ciphers held by a single server using a
// seeded Fisher-Yates shuffle, keeping forward and backward maps so the
// online stage can later walk responses back to their original slot.
type LocalShuffler struct {
	seed        int64
	forwardMap  []types.Index
	backwardMap []types.Index
}

// NewLocalShuffler builds a shuffler seeded with localSeed. Call
// Initialize before using Shuffle/Deshuffle.
func NewLocalShuffler(localSeed int64) *LocalShuffler {
	return &LocalShuffler{seed: localSeed}
}

// Initialize builds the forward and backward permutation maps over
// [0, localCount).
func (s *LocalShuffler) Initialize(localCount types.Index) {
	rng := rand.New(rand.NewSource(s.seed))

	forward := make([]types.Index, localCount)
	for i := range forward {
		forward[i] = types.Index(i)
	}
	fisherYates(rng, forward)

	backward := make([]types.Index, localCount)
	for i, target := range forward {
		backward[target] = types.Index(i)
	}

	s.forwardMap = forward
	s.backwardMap = backward
}

// Shuffle maps an original index to its shuffled position.
func (s *LocalShuffler) Shuffle(idx types.Index) types.Index {
	return s.forwardMap[idx]
}

// Deshuffle maps a shuffled position back to its original index.
func (s *LocalShuffler) Deshuffle(idx types.Index) types.Index {
	return s.backwardMap[idx]
}

// FinishForward releases the forward map once the offline stage no longer
// needs to shuffle new ciphers.
func (s *LocalShuffler) FinishForward() { s.forwardMap = nil }

// FinishBackward releases the backward map once the online stage has
// deshuffled every response.
func (s *LocalShuffler) FinishBackward() { s.backwardMap = nil }
