package onion

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auroradata-ai/dppir/internal/types"
)

func makeSecret(i int) types.OfflineSecret {
	s := types.OfflineSecret{
		Tag:     types.Tag(i),
		NextTag: types.Tag(i + 1),
		Share:   types.IncrementalShare{X: 10, Y: uint32(10 + i)},
	}
	for j := range s.Preshare {
		s.Preshare[j] = byte((31 * (i + 1)) % 256)
	}
	return s
}

// TestOnionRoundTrip covers property 3: for any party count and any
// sequence of secrets, peeling one layer per party in order recovers each
// secret and leaves the correctly-sized remainder for the next hop.
func TestOnionRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, partyCount := range []int{2, 3, 5, 8} {
		pubs := make([]PublicKey, partyCount)
		privs := make([]PrivateKey, partyCount)
		for i := 0; i < partyCount; i++ {
			pub, priv, err := GenerateKeyPair()
			require.NoError(t, err)
			pubs[i] = pub
			privs[i] = priv
		}

		secrets := make([]types.OfflineSecret, partyCount)
		for i := 0; i < partyCount; i++ {
			secrets[i] = makeSecret(int(rng.Uint32() % 1000))
		}

		cipher, err := Encrypt(secrets, 0, pubs)
		require.NoError(t, err)
		require.Equal(t, CipherSize(partyCount), len(cipher))

		for i := 0; i < partyCount; i++ {
			layer, err := Decrypt(cipher, pubs[i], privs[i])
			require.NoError(t, err)
			require.Equal(t, secrets[i], layer.Secret)
			require.Equal(t, CipherSize(partyCount-i-1), len(layer.Inner))
			cipher = layer.Inner
		}
	}
}

// TestScenarioS3 is the literal scenario: P=5, secrets[i] = {tag: i,
// next_tag: i+1, incremental: (10, 10+i), preshare filled with
// 31*(i+1) mod 256}.
func TestScenarioS3(t *testing.T) {
	const partyCount = 5
	pubs := make([]PublicKey, partyCount)
	privs := make([]PrivateKey, partyCount)
	for i := 0; i < partyCount; i++ {
		pub, priv, err := GenerateKeyPair()
		require.NoError(t, err)
		pubs[i] = pub
		privs[i] = priv
	}

	secrets := make([]types.OfflineSecret, partyCount)
	for i := 0; i < partyCount; i++ {
		secrets[i] = makeSecret(i)
	}

	cipher, err := Encrypt(secrets, 0, pubs)
	require.NoError(t, err)

	for i := 0; i < partyCount; i++ {
		layer, err := Decrypt(cipher, pubs[i], privs[i])
		require.NoError(t, err)
		require.Equal(t, types.Tag(i), layer.Secret.Tag)
		require.Equal(t, types.Tag(i+1), layer.Secret.NextTag)
		require.Equal(t, types.IncrementalShare{X: 10, Y: uint32(10 + i)}, layer.Secret.Share)
		cipher = layer.Inner
	}
}

// TestOnionTamperDetected confirms a corrupted cipher fails to decrypt
// rather than silently returning garbage.
func TestOnionTamperDetected(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	secrets := []types.OfflineSecret{makeSecret(0)}
	cipher, err := Encrypt(secrets, 0, []PublicKey{pub})
	require.NoError(t, err)

	cipher[len(cipher)-1] ^= 0xFF
	_, err = Decrypt(cipher, pub, priv)
	require.Error(t, err)
}
