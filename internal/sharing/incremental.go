// Package sharing implements the two secret-sharing primitives the
// protocol runs over: an incremental (multiplicative) scheme for keys and
// an additive XOR scheme for values.
package sharing

import (
	"crypto/rand"
	"math/big"

	"github.com/auroradata-ai/dppir/internal/types"
)

// PreIncrementalShares draws n fresh (x, y) pairs with x uniform in
// [0, p) and y uniform in [1, p), p = types.IncrementalPrime.
func PreIncrementalShares(n int) ([]types.IncrementalShare, error) {
	shares := make([]types.IncrementalShare, n)
	p := big.NewInt(int64(types.IncrementalPrime))
	pMinus1 := big.NewInt(int64(types.IncrementalPrime - 1))
	for i := 0; i < n; i++ {
		x, err := rand.Int(rand.Reader, p)
		if err != nil {
			return nil, err
		}
		y, err := rand.Int(rand.Reader, pMinus1)
		if err != nil {
			return nil, err
		}
		shares[i] = types.IncrementalShare{
			X: uint32(x.Uint64()),
			Y: uint32(y.Uint64()) + 1,
		}
	}
	return shares, nil
}

// modInverse returns a^-1 mod m via the extended Euclidean algorithm,
// matching the original's GcdExtended/ModInverse pair exactly.
func modInverse(a, m uint32) uint32 {
	x, _ := extendedGCD(int64(a), int64(m))
	x %= int64(m)
	if x < 0 {
		x += int64(m)
	}
	return uint32(x)
}

// extendedGCD returns (x, y) such that a*x + b*y = gcd(a, b).
func extendedGCD(a, b int64) (int64, int64) {
	if a == 0 {
		return 0, 1
	}
	x1, y1 := extendedGCD(b%a, a)
	x := y1 - (b/a)*x1
	y := x1
	return x, y
}

// BuildTally folds a chain of preshares into the tally the client sends as
// its first query, such that applying Reconstruct with each share in the
// order the shares were generated recovers key.
//
// This walks the shares in reverse (i = n-1 downto 0), each step undoing
// one Reconstruct step: t <- (t - x) mod p, then t <- t * y^-1 mod p.
func BuildTally(key types.Key, preshares []types.IncrementalShare) types.IncrementalTally {
	p := uint64(types.IncrementalPrime)
	t := uint64(key)
	for i := len(preshares) - 1; i >= 0; i-- {
		share := preshares[i]
		if t < uint64(share.X) {
			t += p
		}
		t -= uint64(share.X)
		inv := modInverse(share.Y, types.IncrementalPrime)
		t = (t * uint64(inv)) % p
	}
	return types.IncrementalTally(t)
}

// Reconstruct folds one more share into tally: t <- t*y + x mod p.
func Reconstruct(tally types.IncrementalTally, share types.IncrementalShare) types.IncrementalTally {
	t := (uint64(tally)*uint64(share.Y) + uint64(share.X)) % uint64(types.IncrementalPrime)
	return types.IncrementalTally(t)
}
