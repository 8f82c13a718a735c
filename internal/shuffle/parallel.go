package shuffle

import (
	"math/rand"

	"github.com/auroradata-ai/dppir/internal/types"
)

// ParallelShuffler computes one logical permutation over the union of all
// sibling servers' ciphers, using nothing but a seed shared by every
// sibling: each server independently recomputes the same global mapping
// and derives only the slice of it that concerns itself, so no sibling
// needs to exchange the permutation at runtime.
type ParallelShuffler struct {
	sharedSeed   int64
	serverID     types.ServerID
	serverCount  types.ServerID
	sliceSize    types.Index

	forwardMap  []types.ServerID // index: local position -> target sibling
	backwardMap [][]types.Index  // index: [sibling][arrival order] -> local position

	forwardIdx  types.Index
	backwardIdx []types.Index

	fromCount       []types.Index
	prefixSumFrom   []types.Index
	toCount         []types.Index
	toNoiseCount    []types.Index
}

// NewParallelShuffler builds the shuffler for one sibling server.
func NewParallelShuffler(serverID, serverCount types.ServerID, sharedSeed int64) *ParallelShuffler {
	return &ParallelShuffler{
		sharedSeed:  sharedSeed,
		serverID:    serverID,
		serverCount: serverCount,
	}
}

// Initialize computes this server's slice of the global permutation.
// serverCounts[i] is how many ciphers sibling i contributes to the shuffle
// (real queries plus that sibling's own noise); noiseCount is how many of
// THIS server's own contributed ciphers (the first noiseCount entries of
// its local batch) are noise rather than real queries.
func (s *ParallelShuffler) Initialize(serverCounts []types.Index, noiseCount types.Index) {
	s.forwardIdx = 0

	var totalCount types.Index
	for _, c := range serverCounts {
		totalCount += c
	}

	perServer := totalCount / types.Index(s.serverCount)
	s.sliceSize = perServer
	if s.serverID == s.serverCount-1 {
		s.sliceSize = totalCount - types.Index(s.serverCount-1)*perServer
	}

	n := int(s.serverCount)
	s.backwardIdx = make([]types.Index, n)
	s.fromCount = make([]types.Index, n)
	s.prefixSumFrom = make([]types.Index, n)
	s.toCount = make([]types.Index, n)
	s.toNoiseCount = make([]types.Index, n)
	s.forwardMap = make([]types.ServerID, serverCounts[s.serverID])
	s.backwardMap = make([][]types.Index, n)

	// Global mapping of message slot -> owning sibling (identity, pre-shuffle).
	globalMap := make([]types.ServerID, totalCount)
	for sid := types.ServerID(0); sid < s.serverCount; sid++ {
		start := types.Index(sid) * perServer
		end := start + perServer
		if sid == s.serverCount-1 {
			end = totalCount
		}
		for i := start; i < end; i++ {
			globalMap[i] = sid
		}
	}

	rng := rand.New(rand.NewSource(s.sharedSeed))
	fisherYates(rng, globalMap)

	var source types.ServerID
	var startIdx types.Index
	for idx := types.Index(0); idx < totalCount; idx++ {
		for idx-startIdx >= serverCounts[source] {
			startIdx += serverCounts[source]
			source++
		}

		target := globalMap[idx]
		if target == s.serverID {
			s.fromCount[source]++
		}
		if source == s.serverID {
			if idx-startIdx < noiseCount {
				s.toNoiseCount[target]++
			}
			s.toCount[target]++
			s.forwardMap[idx-startIdx] = target
		}
	}

	for sid := 0; sid < n; sid++ {
		s.backwardMap[sid] = make([]types.Index, s.toCount[sid])
		s.toCount[sid] = 0
	}

	for i := types.Index(0); i < serverCounts[s.serverID]; i++ {
		target := s.forwardMap[i]
		s.backwardMap[target][s.toCount[target]] = i
		s.toCount[target]++
	}

	for sid := types.ServerID(0); sid < s.serverCount-1; sid++ {
		s.prefixSumFrom[sid+1] = s.prefixSumFrom[sid] + s.fromCount[sid]
	}
}

// ShuffleOne returns the sibling that the next local cipher (in local
// order) should be sent to.
func (s *ParallelShuffler) ShuffleOne() types.ServerID {
	target := s.forwardMap[s.forwardIdx]
	s.forwardIdx++
	return target
}

// DeshuffleOne returns the local position of the next response arriving
// from server, in the order server originally sent them.
func (s *ParallelShuffler) DeshuffleOne(server types.ServerID) types.Index {
	idx := s.backwardMap[server][s.backwardIdx[server]]
	s.backwardIdx[server]++
	return idx
}

// CountToServer returns how many ciphers this server sends to server.
func (s *ParallelShuffler) CountToServer(server types.ServerID) types.Index {
	return s.toCount[server]
}

// CountNoiseToServer returns how many of those are noise ciphers.
func (s *ParallelShuffler) CountNoiseToServer(server types.ServerID) types.Index {
	return s.toNoiseCount[server]
}

// CountFromServer returns how many ciphers this server receives from server.
func (s *ParallelShuffler) CountFromServer(server types.ServerID) types.Index {
	return s.fromCount[server]
}

// PrefixSumCountFromServer returns the left prefix sum of CountFromServer,
// used to locate which sibling a given arrival-order index came from.
func (s *ParallelShuffler) PrefixSumCountFromServer(server types.ServerID) types.Index {
	return s.prefixSumFrom[server]
}

// FindSourceOf returns which sibling contributed the idx'th cipher in this
// server's received (shuffled) batch.
func (s *ParallelShuffler) FindSourceOf(idx types.Index) types.ServerID {
	for id := types.ServerID(1); id < s.serverCount; id++ {
		if s.prefixSumFrom[id] > idx {
			return id - 1
		}
	}
	return s.serverCount - 1
}

// GetServerSliceSize returns the size of the output slice belonging to
// this server once the shuffle completes.
func (s *ParallelShuffler) GetServerSliceSize() types.Index {
	return s.sliceSize
}

// FinishForward releases the forward map.
func (s *ParallelShuffler) FinishForward() { s.forwardMap = nil }

// FinishBackward releases the backward map and its cursors.
func (s *ParallelShuffler) FinishBackward() {
	s.backwardMap = nil
	s.backwardIdx = nil
}
