package sharing

import (
	"crypto/rand"

	"github.com/auroradata-ai/dppir/internal/types"
)

// ZeroShares draws n XOR-additive shares of the zero buffer: the first
// n-1 shares are uniform random PreshareSize-byte strings, and the last is
// their running XOR, so that XORing all n shares together yields zero.
func ZeroShares(n int) ([]types.Preshare, error) {
	shares := make([]types.Preshare, n)
	var acc types.Preshare
	for i := 0; i < n-1; i++ {
		if _, err := rand.Read(shares[i][:]); err != nil {
			return nil, err
		}
		types.XORPreshare(acc[:], acc[:], shares[i][:])
	}
	shares[n-1] = acc
	return shares, nil
}

// Blend writes value XOR share into target. target and value may be the
// same underlying buffer (masking in place).
func Blend(target *types.Response, value types.Response, share types.Preshare) {
	var v, s, out types.Preshare
	types.PutResponse(v[:], value)
	s = share
	types.XORPreshare(out[:], v[:], s[:])
	*target = types.ResponseFrom(out[:])
}
