package noise

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auroradata-ai/dppir/internal/types"
)

// TestDebugModeAddsNoNoise covers the epsilon==0||delta==0 short circuit.
func TestDebugModeAddsNoNoise(t *testing.T) {
	d := NewDistribution(0, 0.01, 1)
	for i := 0; i < 50; i++ {
		require.Equal(t, types.Sample(0), d.Sample())
	}

	d = NewDistribution(1.0, 0, 1)
	for i := 0; i < 50; i++ {
		require.Equal(t, types.Sample(0), d.Sample())
	}
}

// TestSampleMean covers property 5: repeated real samples stay centered
// near the distribution's deterministic mean.
func TestSampleMean(t *testing.T) {
	d := NewDistribution(0.5, 0.01, 42)
	const trials = 20000
	var sum float64
	for i := 0; i < trials; i++ {
		sum += float64(d.Sample())
	}
	mean := sum / trials
	wantMean := float64(d.Mean())
	require.InDelta(t, wantMean, mean, wantMean*0.1+5)
}

func TestSampleNeverNegative(t *testing.T) {
	d := NewDistribution(2.0, 0.1, 9)
	for i := 0; i < 5000; i++ {
		require.GreaterOrEqual(t, int64(d.Sample()), int64(0))
	}
}

func TestFindRangeCoversWholeDatabase(t *testing.T) {
	const dbSize = types.Index(1000)
	const servers = types.ServerID(7)
	var prevEnd types.Key
	for s := types.ServerID(0); s < servers; s++ {
		start, end := FindRange(s, servers, dbSize)
		require.Equal(t, prevEnd, start, "server %d: gap or overlap", s)
		require.LessOrEqual(t, start, end)
		prevEnd = end
	}
	require.Equal(t, types.Key(dbSize), prevEnd)
}

func TestFindRangeEvenSplit(t *testing.T) {
	start, end := FindRange(1, 4, 100)
	require.Equal(t, types.Key(25), start)
	require.Equal(t, types.Key(50), end)
}
