package sharing

import (
	"math/rand"
	"testing"

	"github.com/auroradata-ai/dppir/internal/types"
)

// TestIncrementalShareRoundTrip covers property 1 from the spec: for any
// chain of P preshares, reconstructing in generation order from the built
// tally recovers the original key.
func TestIncrementalShareRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for p := 2; p <= 8; p++ {
		preshares, err := PreIncrementalShares(p)
		if err != nil {
			t.Fatalf("PreIncrementalShares(%d): %v", p, err)
		}
		for trial := 0; trial < 20; trial++ {
			key := types.Key(rng.Uint32() % types.IncrementalPrime)
			tally := BuildTally(key, preshares)
			for _, share := range preshares {
				tally = Reconstruct(tally, share)
			}
			if types.Key(tally) != key {
				t.Fatalf("p=%d: round trip got %d, want %d", p, tally, key)
			}
		}
	}
}

// TestScenarioS1 is the literal concrete scenario from the spec: value=42,
// three hand-picked preshares.
func TestScenarioS1(t *testing.T) {
	preshares := []types.IncrementalShare{{X: 5, Y: 3}, {X: 9, Y: 7}, {X: 1, Y: 11}}
	key := types.Key(42)
	tally := BuildTally(key, preshares)
	for _, share := range preshares {
		tally = Reconstruct(tally, share)
	}
	if tally != 42 {
		t.Fatalf("got %d, want 42", tally)
	}
}

func TestModInverse(t *testing.T) {
	for _, y := range []uint32{1, 2, 3, 7, 11, types.IncrementalPrime - 1} {
		inv := modInverse(y, types.IncrementalPrime)
		got := (uint64(y) * uint64(inv)) % uint64(types.IncrementalPrime)
		if got != 1 {
			t.Fatalf("modInverse(%d) = %d, not a true inverse (product mod p = %d)", y, inv, got)
		}
	}
}
