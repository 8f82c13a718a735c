package sharing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auroradata-ai/dppir/internal/types"
)

// TestAdditiveShareRoundTrip covers property 2: XORing all n zero-shares
// into any buffer returns the original buffer.
func TestAdditiveShareRoundTrip(t *testing.T) {
	for n := 2; n <= 8; n++ {
		shares, err := ZeroShares(n)
		require.NoError(t, err)

		var value types.Preshare
		for i := range value {
			value[i] = byte(0xAA)
		}

		acc := value
		for _, s := range shares {
			var next types.Preshare
			types.XORPreshare(next[:], acc[:], s[:])
			acc = next
		}
		require.True(t, bytes.Equal(acc[:], value[:]), "n=%d: round trip mismatch", n)
	}
}

// TestScenarioS2 is the literal scenario: 0xAA-filled buffer, 4 parties.
func TestScenarioS2(t *testing.T) {
	shares, err := ZeroShares(4)
	require.NoError(t, err)

	var value types.Preshare
	for i := range value {
		value[i] = 0xAA
	}

	acc := value
	for _, s := range shares {
		var next types.Preshare
		types.XORPreshare(next[:], acc[:], s[:])
		acc = next
	}
	require.Equal(t, value, acc)
}

func TestBlend(t *testing.T) {
	shares, err := ZeroShares(2)
	require.NoError(t, err)

	value := types.Response{Value: 1234}
	copy(value.Sig[:], []byte("signature-slot-placeholder"))

	var masked types.Response
	Blend(&masked, value, shares[0])
	var recovered types.Response
	Blend(&recovered, masked, shares[1])

	require.True(t, recovered.Equal(value))
}
