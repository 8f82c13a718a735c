package shuffle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auroradata-ai/dppir/internal/types"
)

// TestLocalShuffleRoundTrip covers property 7: Deshuffle(Shuffle(i)) == i
// for every index, for any local count and seed.
func TestLocalShuffleRoundTrip(t *testing.T) {
	for _, seed := range []int64{1, 2, 99} {
		for _, n := range []types.Index{1, 2, 5, 50} {
			s := NewLocalShuffler(seed)
			s.Initialize(n)

			seen := make([]bool, n)
			for i := types.Index(0); i < n; i++ {
				shuffled := s.Shuffle(i)
				require.Less(t, shuffled, n)
				require.False(t, seen[shuffled], "seed=%d n=%d: collision at %d", seed, n, shuffled)
				seen[shuffled] = true
				require.Equal(t, i, s.Deshuffle(shuffled))
			}
		}
	}
}

func TestLocalShuffleDeterministicPerSeed(t *testing.T) {
	a := NewLocalShuffler(42)
	a.Initialize(20)
	b := NewLocalShuffler(42)
	b.Initialize(20)
	for i := types.Index(0); i < 20; i++ {
		require.Equal(t, a.Shuffle(i), b.Shuffle(i))
	}
}

// TestScenarioS5 is the literal scenario: shared seed across siblings
// reconstructs one consistent global permutation with no runtime
// coordination beyond the seed and the per-sibling contribution counts.
func TestScenarioS5(t *testing.T) {
	const serverCount = 4
	serverCounts := []types.Index{10, 7, 13, 5}
	const sharedSeed = 1234
	const noiseCount = 2

	shufflers := make([]*ParallelShuffler, serverCount)
	for sid := types.ServerID(0); sid < serverCount; sid++ {
		shufflers[sid] = NewParallelShuffler(sid, serverCount, sharedSeed)
		shufflers[sid].Initialize(serverCounts, noiseCount)
	}

	// Every message a server claims to send to a sibling must be matched
	// by that sibling's count of messages received from it.
	for from := types.ServerID(0); from < serverCount; from++ {
		for to := types.ServerID(0); to < serverCount; to++ {
			require.Equal(t,
				shufflers[from].CountToServer(to),
				shufflers[to].CountFromServer(from),
				"from=%d to=%d", from, to)
		}
	}

	// Forward/backward maps invert each other within a source server.
	for sid := types.ServerID(0); sid < serverCount; sid++ {
		s := shufflers[sid]
		localCount := serverCounts[sid]
		sentTo := make([]types.ServerID, localCount)
		for i := types.Index(0); i < localCount; i++ {
			sentTo[i] = s.ShuffleOne()
		}
		perTargetSeen := make(map[types.ServerID]types.Index)
		for i, target := range sentTo {
			arrivalOrder := perTargetSeen[target]
			perTargetSeen[target]++
			require.Equal(t, types.Index(i), s.backwardMap[target][arrivalOrder])
		}
	}

	// FindSourceOf agrees with the prefix sums it is built from.
	for sid := types.ServerID(0); sid < serverCount; sid++ {
		s := shufflers[sid]
		var total types.Index
		for from := types.ServerID(0); from < serverCount; from++ {
			total += s.CountFromServer(from)
		}
		for idx := types.Index(0); idx < total; idx++ {
			src := s.FindSourceOf(idx)
			require.LessOrEqual(t, s.PrefixSumCountFromServer(src), idx)
			if src < serverCount-1 {
				require.Greater(t, s.PrefixSumCountFromServer(src+1), idx)
			}
		}
	}
}

func TestParallelSliceSizesSumToTotal(t *testing.T) {
	const serverCount = 3
	serverCounts := []types.Index{9, 9, 9}
	var total types.Index
	for _, c := range serverCounts {
		total += c
	}

	var sliceTotal types.Index
	for sid := types.ServerID(0); sid < serverCount; sid++ {
		s := NewParallelShuffler(sid, serverCount, 55)
		s.Initialize(serverCounts, 0)
		sliceTotal += s.GetServerSliceSize()
	}
	require.Equal(t, total, sliceTotal)
}
