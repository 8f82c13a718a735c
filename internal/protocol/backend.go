package protocol

import (
	"fmt"

	"github.com/auroradata-ai/dppir/internal/batch"
	"github.com/auroradata-ai/dppir/internal/config"
	"github.com/auroradata-ai/dppir/internal/logging"
	"github.com/auroradata-ai/dppir/internal/onion"
	"github.com/auroradata-ai/dppir/internal/sharing"
	"github.com/auroradata-ai/dppir/internal/state"
	"github.com/auroradata-ai/dppir/internal/transport"
	"github.com/auroradata-ai/dppir/internal/types"
)

// BackendParty is the last party in the chain: it owns the database, peels
// the final onion layer, and answers queries by reconstructing the key and
// masking the looked-up row under the stored preshare. Unlike a relay Party
// it never shuffles — there is nothing further downstream to protect — so
// it answers queries in arrival order, looking each one's secret up by tag
// in a state.BackendState.
type BackendParty struct {
	partyID     types.PartyID
	serverID    types.ServerID
	serverCount types.ServerID

	back     *transport.Conn
	siblings *transport.ParallelGroup

	db        *types.Database
	batchSize types.Index

	state   *state.BackendState
	queries *batch.Buffer[types.Query]

	onionPub  onion.PublicKey
	onionPriv onion.PrivateKey
}

// NewBackendParty accepts the connection from the previous party in the
// chain and, when the backend is sharded across servers, connects to every
// sibling server so installed secrets can be broadcast between them.
func NewBackendParty(serverID types.ServerID, cfg *config.Config, db *types.Database) (*BackendParty, error) {
	partyID := cfg.PartyCount - 1
	partyConfig := cfg.Parties[partyID]
	serverConfig := partyConfig.Servers[serverID]

	ln, err := transport.Listen(int(serverConfig.Port))
	if err != nil {
		return nil, err
	}
	back, err := ln.Accept()
	ln.Close()
	if err != nil {
		return nil, err
	}

	b := &BackendParty{
		partyID:     partyID,
		serverID:    serverID,
		serverCount: cfg.ServerCount,
		back:        back,
		db:          db,
		onionPub:    partyConfig.OnionPub,
		onionPriv:   partyConfig.OnionPriv,
	}

	if cfg.ServerCount > 1 {
		peers := make([]transport.PeerAddr, cfg.ServerCount)
		for i, server := range partyConfig.Servers {
			peers[i] = transport.PeerAddr{IP: server.IP, ParallelPort: int(server.ParallelPort)}
		}
		siblings, err := transport.DialParallelGroup(serverID, cfg.ServerCount, int(serverConfig.ParallelPort), peers)
		if err != nil {
			return nil, err
		}
		b.siblings = siblings
	}

	return b, nil
}

// Start runs the offline stage (real or simulated) followed by the online
// stage, matching Role.
func (b *BackendParty) Start(offline, online bool) error {
	if offline {
		if err := b.startOffline(); err != nil {
			return err
		}
	} else {
		if err := b.simulateOffline(); err != nil {
			return err
		}
	}
	if online {
		return b.startOnline()
	}
	return nil
}

func (b *BackendParty) initializeBatch() error {
	count, err := b.back.ReadCount()
	if err != nil {
		return err
	}
	b.batchSize = count
	b.queries = batch.NewBuffer[types.Query](int(count))
	logging.Info("backend %d: batch size %d", b.partyID, count)
	return nil
}

func (b *BackendParty) collectAndInstallSecrets() error {
	size := onion.CipherSize(1)
	logging.Info("backend %d: listening for %d offline ciphers", b.partyID, b.batchSize)
	ciphers, err := b.back.ReadCiphers(b.batchSize, size)
	if err != nil {
		return err
	}
	for _, cipher := range ciphers {
		layer, err := onion.Decrypt(cipher, b.onionPub, b.onionPriv)
		if err != nil {
			return fmt.Errorf("backend %d: decrypting cipher: %w", b.partyID, err)
		}
		if err := b.state.Store(layer.Secret); err != nil {
			panic(invariant("backend %d: %v", b.partyID, err))
		}
	}
	return nil
}

// broadcastSecrets shares every locally-installed secret with every
// sibling server, so a query landing on any sibling can be answered
// regardless of which sibling originally decrypted its offline cipher.
//
// The reference implementation interleaves this broadcast with the local
// shuffle using a poll-driven SendAndPoll loop so no sibling blocks waiting
// on another. This backend has no shuffle to interleave with (see the
// BackendParty doc comment), so it broadcasts and then drains each sibling
// sequentially — simpler, at the cost of not overlapping sibling reads.
func (b *BackendParty) broadcastSecrets() error {
	if b.siblings == nil {
		return nil
	}

	localCount := types.Index(b.state.Len())
	if err := b.siblings.BroadcastCount(localCount); err != nil {
		return err
	}

	fromCounts := make(map[types.ServerID]types.Index)
	for id := types.ServerID(0); id < b.serverCount; id++ {
		if id == b.serverID {
			continue
		}
		count, err := b.siblings.ReadCount(id)
		if err != nil {
			return err
		}
		fromCounts[id] = count
	}

	var encodeErr error
	b.state.Range(func(tag types.Tag, incremental types.IncrementalShare, preshare types.Preshare) {
		if encodeErr != nil {
			return
		}
		var buf [types.OfflineSecretSize]byte
		types.PutOfflineSecret(buf[:], types.OfflineSecret{Tag: tag, Share: incremental, Preshare: preshare})
		encodeErr = b.siblings.BroadcastSecret(buf[:])
	})
	if encodeErr != nil {
		return encodeErr
	}
	if err := b.siblings.FlushAll(); err != nil {
		return err
	}

	for id := types.ServerID(0); id < b.serverCount; id++ {
		if id == b.serverID {
			continue
		}
		conn := b.siblings.Conn(id)
		for i := types.Index(0); i < fromCounts[id]; i++ {
			raw, err := conn.ReadRaw(types.OfflineSecretSize)
			if err != nil {
				return err
			}
			if err := b.state.Store(types.OfflineSecretFrom(raw)); err != nil {
				panic(invariant("backend %d: %v", b.partyID, err))
			}
		}
	}
	return nil
}

func (b *BackendParty) startOffline() error {
	if err := b.initializeBatch(); err != nil {
		return err
	}
	b.state = state.NewBackendState()

	if err := b.back.SendReady(); err != nil {
		return err
	}
	if err := b.collectAndInstallSecrets(); err != nil {
		return err
	}
	if err := b.broadcastSecrets(); err != nil {
		return err
	}
	return b.back.SendReady()
}

func (b *BackendParty) simulateOffline() error {
	if err := b.initializeBatch(); err != nil {
		return err
	}
	b.state = state.NewSimulatedBackendState()
	return b.back.SendReady()
}

func (b *BackendParty) collectQueries() error {
	logging.Info("backend %d: listening for queries", b.partyID)
	read := types.Index(0)
	for read < b.batchSize {
		in, err := b.back.ReadQueries(b.batchSize - read)
		if err != nil {
			return err
		}
		for _, query := range in {
			b.queries.PushBack(query)
		}
		read += types.Index(len(in))
	}
	return nil
}

func (b *BackendParty) sendResponses() error {
	logging.Info("backend %d: sending responses", b.partyID)
	responses := make([]types.Response, 0, b.queries.Len())
	for _, query := range b.queries.Items() {
		response, err := b.handleQuery(query)
		if err != nil {
			return err
		}
		responses = append(responses, response)
	}
	b.queries = nil
	return b.back.SendResponses(responses)
}

func (b *BackendParty) startOnline() error {
	if err := b.collectQueries(); err != nil {
		return err
	}
	return b.sendResponses()
}

func (b *BackendParty) handleQuery(query types.Query) (types.Response, error) {
	if err := b.state.LoadSecret(query.Tag); err != nil {
		panic(invariant("backend %d: %v", b.partyID, err))
	}
	key := sharing.Reconstruct(query.Tally, b.state.GetIncremental())
	row := b.db.Lookup(types.Key(key))
	var out types.Response
	sharing.Blend(&out, row, b.state.GetPreshare())
	return out, nil
}
