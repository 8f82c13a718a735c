package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auroradata-ai/dppir/internal/types"
)

func TestClientStateWriteReadOrder(t *testing.T) {
	s := NewClientState(3, 2, false)

	var preshareA, preshareB types.Preshare
	preshareA[0] = 0xAA
	preshareB[0] = 0xBB

	s.AddSecret(100, []types.IncrementalShare{{X: 1, Y: 2}}, preshareA)
	s.AddSecret(200, []types.IncrementalShare{{X: 3, Y: 4}}, preshareB)

	s.LoadNext()
	require.Equal(t, types.Tag(100), s.GetTag())
	require.Equal(t, preshareA, s.GetPreshare())

	s.LoadNext()
	require.Equal(t, types.Tag(200), s.GetTag())
	require.Equal(t, preshareB, s.GetPreshare())
}

func TestSimulatedClientStateReturnsIdentity(t *testing.T) {
	s := NewSimulatedClientState(4, false)
	s.LoadNext()
	require.Equal(t, types.Tag(0), s.GetTag())
	shares := s.GetIncrementalShares()
	require.Len(t, shares, 4)
	for _, sh := range shares {
		require.Equal(t, types.IncrementalShare{X: 0, Y: 1}, sh)
	}
	s.LoadNext()
	require.Equal(t, types.Tag(0), s.GetTag(), "simulated state always replays the same secret")
}

func TestPartyStateStoreAndLookup(t *testing.T) {
	s := NewPartyState()
	secret := types.OfflineSecret{Tag: 7, NextTag: 8, Share: types.IncrementalShare{X: 1, Y: 2}}
	secret.Preshare[0] = 0x42
	require.NoError(t, s.Store(secret))

	require.NoError(t, s.LoadSecret(7))
	require.Equal(t, types.Tag(8), s.GetNextTag())
	require.Equal(t, types.IncrementalShare{X: 1, Y: 2}, s.GetIncremental())
	require.Equal(t, secret.Preshare, s.GetPreshare(7))
	require.Equal(t, 1, s.Len())
}

func TestPartyStateRejectsDuplicateTag(t *testing.T) {
	s := NewPartyState()
	secret := types.OfflineSecret{Tag: 1, NextTag: 2}
	require.NoError(t, s.Store(secret))
	require.Error(t, s.Store(secret))
}

func TestPartyStateUnknownTagErrors(t *testing.T) {
	s := NewPartyState()
	require.Error(t, s.LoadSecret(999))
}

func TestSimulatedPartyStateAlwaysResolves(t *testing.T) {
	s := NewSimulatedPartyState()
	for _, tag := range []types.Tag{0, 5, 9999} {
		require.NoError(t, s.LoadSecret(tag))
		require.Equal(t, types.Tag(0), s.GetNextTag())
	}
}

func TestBackendStateStoreAndLookup(t *testing.T) {
	s := NewBackendState()
	secret := types.OfflineSecret{Tag: 3, Share: types.IncrementalShare{X: 5, Y: 6}}
	secret.Preshare[1] = 0x99
	require.NoError(t, s.Store(secret))

	require.NoError(t, s.LoadSecret(3))
	require.Equal(t, types.IncrementalShare{X: 5, Y: 6}, s.GetIncremental())
	require.Equal(t, secret.Preshare, s.GetPreshare())
}

func TestPartyStateRange(t *testing.T) {
	s := NewPartyState()
	require.NoError(t, s.Store(types.OfflineSecret{Tag: 1, NextTag: 2}))
	require.NoError(t, s.Store(types.OfflineSecret{Tag: 3, NextTag: 4}))

	seen := make(map[types.Tag]types.Tag)
	s.Range(func(tag, nextTag types.Tag, _ types.IncrementalShare, _ types.Preshare) {
		seen[tag] = nextTag
	})
	require.Equal(t, map[types.Tag]types.Tag{1: 2, 3: 4}, seen)
}
