// Package state holds the offline-stage secret material each role keeps
// around to drive its online-stage computation: the client's per-query
// tags/shares, and each party's/the backend's tag-indexed secret store.
//
// Every store has a simulated variant that fabricates an identity secret
// (share (0,1), zero preshare) instead of requiring a real offline run —
// useful for benchmarking the online stage in isolation. Production code
// paths (cmd/dppir) only ever construct the non-simulated variant; the
// simulated constructors exist for tests and experimentation and must
// never be reachable from a deployed role.
package state

import (
	"fmt"

	"github.com/auroradata-ai/dppir/internal/types"
)

// ClientState accumulates one secret per pending query (real queries carry
// a preshare; pure noise queries, constructed with noise=true, don't) and
// replays them back in write order during the online stage.
type ClientState struct {
	simulated bool
	noise     bool

	writeIdx types.Index
	readIdx  types.Index

	tags         []types.Tag
	incrementals [][]types.IncrementalShare
	preshares    []types.Preshare
}

func newClientState(partyCount types.PartyID, size types.Index, noise, simulated bool) *ClientState {
	s := &ClientState{simulated: simulated, noise: noise}
	s.tags = make([]types.Tag, size)
	s.incrementals = make([][]types.IncrementalShare, size)
	if !noise {
		s.preshares = make([]types.Preshare, size)
	}
	if simulated {
		shares := make([]types.IncrementalShare, partyCount)
		for i := range shares {
			shares[i] = types.IncrementalShare{X: 0, Y: 1}
		}
		s.tags[0] = 0
		s.incrementals[0] = shares
	}
	return s
}

// NewClientState allocates storage for `secrets` real offline secrets.
func NewClientState(partyCount types.PartyID, secrets types.Index, noise bool) *ClientState {
	return newClientState(partyCount, secrets, noise, false)
}

// NewSimulatedClientState fabricates a single identity secret reused for
// every query, skipping the offline stage entirely.
func NewSimulatedClientState(partyCount types.PartyID, noise bool) *ClientState {
	return newClientState(partyCount, 1, noise, true)
}

// AddNoiseSecret records a secret for a noise-only query (no preshare).
func (s *ClientState) AddNoiseSecret(tag types.Tag, incrementals []types.IncrementalShare) {
	s.tags[s.writeIdx] = tag
	s.incrementals[s.writeIdx] = incrementals
	s.writeIdx++
}

// AddSecret records a secret for a real query, preshare included.
func (s *ClientState) AddSecret(tag types.Tag, incrementals []types.IncrementalShare, preshare types.Preshare) {
	s.tags[s.writeIdx] = tag
	s.incrementals[s.writeIdx] = incrementals
	s.preshares[s.writeIdx] = preshare
	s.writeIdx++
}

// LoadNext advances to the next stored secret in write order.
func (s *ClientState) LoadNext() { s.readIdx++ }

func (s *ClientState) cursor() types.Index {
	if s.simulated {
		return 0
	}
	return s.readIdx - 1
}

// GetTag returns the tag of the currently loaded secret.
func (s *ClientState) GetTag() types.Tag { return s.tags[s.cursor()] }

// GetIncrementalShares returns the incremental shares of the currently
// loaded secret, one per party in the chain.
func (s *ClientState) GetIncrementalShares() []types.IncrementalShare {
	return s.incrementals[s.cursor()]
}

// GetPreshare returns the preshare of the currently loaded secret. Only
// valid for a state built with noise=false.
func (s *ClientState) GetPreshare() types.Preshare { return s.preshares[s.cursor()] }

// FinishSharing releases the tag/share memory once reconstruction is done,
// retaining preshares so responses can still be unmasked.
func (s *ClientState) FinishSharing() {
	s.readIdx = 0
	s.tags = nil
	s.incrementals = nil
}

// Free releases all memory held by the state.
func (s *ClientState) Free() {
	s.writeIdx = 0
	s.readIdx = 0
	s.tags = nil
	s.incrementals = nil
	s.preshares = nil
}

// partySecret is one tag-indexed secret a relay party stores offline.
type partySecret struct {
	nextTag     types.Tag
	incremental types.IncrementalShare
	preshare    types.Preshare
}

// PartyState is the tag-indexed offline secret store a relay party (any
// party before the backend, party 0 included) keeps.
type PartyState struct {
	simulated bool
	secrets   map[types.Tag]partySecret
	loaded    partySecret
}

// NewPartyState builds an empty store to be filled during the offline
// stage via Store.
func NewPartyState() *PartyState {
	return &PartyState{secrets: make(map[types.Tag]partySecret)}
}

// NewSimulatedPartyState fabricates a single identity secret shared by
// every tag, skipping the offline stage entirely.
func NewSimulatedPartyState() *PartyState {
	s := &PartyState{simulated: true, secrets: make(map[types.Tag]partySecret)}
	s.secrets[0] = partySecret{nextTag: 0, incremental: types.IncrementalShare{X: 0, Y: 1}}
	return s
}

// Store installs a secret peeled from the onion envelope during the
// offline stage. It is an invariant violation for the same tag to be
// stored twice.
func (s *PartyState) Store(secret types.OfflineSecret) error {
	if _, exists := s.secrets[secret.Tag]; exists {
		return fmt.Errorf("party state: tag %d already installed", secret.Tag)
	}
	s.secrets[secret.Tag] = partySecret{
		nextTag:     secret.NextTag,
		incremental: secret.Share,
		preshare:    secret.Preshare,
	}
	return nil
}

// LoadSecret looks up the secret installed for tag, caching it for the
// following GetNextTag/GetIncremental/GetPreshare calls.
func (s *PartyState) LoadSecret(tag types.Tag) error {
	lookup := tag
	if s.simulated {
		lookup = 0
	}
	secret, ok := s.secrets[lookup]
	if !ok {
		return fmt.Errorf("party state: no secret installed for tag %d", tag)
	}
	s.loaded = secret
	return nil
}

// GetNextTag returns the next-hop tag of the currently loaded secret.
func (s *PartyState) GetNextTag() types.Tag { return s.loaded.nextTag }

// GetIncremental returns the incremental share of the currently loaded secret.
func (s *PartyState) GetIncremental() types.IncrementalShare { return s.loaded.incremental }

// GetPreshare returns the preshare installed for tag directly (it does not
// require LoadSecret to have been called first).
func (s *PartyState) GetPreshare(tag types.Tag) types.Preshare {
	lookup := tag
	if s.simulated {
		lookup = 0
	}
	return s.secrets[lookup].preshare
}

// Len returns the number of installed secrets.
func (s *PartyState) Len() int { return len(s.secrets) }

// Range calls fn once per installed secret, in unspecified order.
func (s *PartyState) Range(fn func(tag types.Tag, nextTag types.Tag, incremental types.IncrementalShare, preshare types.Preshare)) {
	for tag, secret := range s.secrets {
		fn(tag, secret.nextTag, secret.incremental, secret.preshare)
	}
}

// backendSecret is one tag-indexed secret the backend stores offline; it
// has no next-hop tag since the backend is the last party in the chain.
type backendSecret struct {
	incremental types.IncrementalShare
	preshare    types.Preshare
}

// BackendState is the tag-indexed offline secret store the final party in
// the chain keeps.
type BackendState struct {
	simulated bool
	secrets   map[types.Tag]backendSecret
	loaded    backendSecret
}

// NewBackendState builds an empty store to be filled during the offline
// stage via Store.
func NewBackendState() *BackendState {
	return &BackendState{secrets: make(map[types.Tag]backendSecret)}
}

// NewSimulatedBackendState fabricates a single identity secret shared by
// every tag, skipping the offline stage entirely.
func NewSimulatedBackendState() *BackendState {
	s := &BackendState{simulated: true, secrets: make(map[types.Tag]backendSecret)}
	s.secrets[0] = backendSecret{incremental: types.IncrementalShare{X: 0, Y: 1}}
	return s
}

// Store installs a secret peeled from the onion envelope during the
// offline stage.
func (s *BackendState) Store(secret types.OfflineSecret) error {
	if _, exists := s.secrets[secret.Tag]; exists {
		return fmt.Errorf("backend state: tag %d already installed", secret.Tag)
	}
	s.secrets[secret.Tag] = backendSecret{incremental: secret.Share, preshare: secret.Preshare}
	return nil
}

// LoadSecret looks up the secret installed for tag, caching it for the
// following GetIncremental/GetPreshare calls.
func (s *BackendState) LoadSecret(tag types.Tag) error {
	lookup := tag
	if s.simulated {
		lookup = 0
	}
	secret, ok := s.secrets[lookup]
	if !ok {
		return fmt.Errorf("backend state: no secret installed for tag %d", tag)
	}
	s.loaded = secret
	return nil
}

// GetIncremental returns the incremental share of the currently loaded secret.
func (s *BackendState) GetIncremental() types.IncrementalShare { return s.loaded.incremental }

// GetPreshare returns the preshare of the currently loaded secret.
func (s *BackendState) GetPreshare() types.Preshare { return s.loaded.preshare }

// Len returns the number of installed secrets.
func (s *BackendState) Len() int { return len(s.secrets) }

// Range calls fn once per installed secret, in unspecified order.
func (s *BackendState) Range(fn func(tag types.Tag, incremental types.IncrementalShare, preshare types.Preshare)) {
	for tag, secret := range s.secrets {
		fn(tag, secret.incremental, secret.preshare)
	}
}
