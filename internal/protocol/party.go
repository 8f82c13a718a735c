package protocol

import (
	"fmt"
	"sync"

	"github.com/auroradata-ai/dppir/internal/batch"
	"github.com/auroradata-ai/dppir/internal/config"
	"github.com/auroradata-ai/dppir/internal/logging"
	"github.com/auroradata-ai/dppir/internal/noise"
	"github.com/auroradata-ai/dppir/internal/onion"
	"github.com/auroradata-ai/dppir/internal/sharing"
	"github.com/auroradata-ai/dppir/internal/shuffle"
	"github.com/auroradata-ai/dppir/internal/state"
	"github.com/auroradata-ai/dppir/internal/transport"
	"github.com/auroradata-ai/dppir/internal/types"
)

// Party is a relay: any party before the backend, including party 0 (the
// frontend the client dials). It adds its own differentially-private noise queries, shuffles
// everything it forwards, and unwinds that shuffle on the way back.
//
// A Party may be sharded across several servers (config.ServerCount > 1).
// In that case every item a server contributes is first routed to one of
// the siblings sharding the same party (the "parallel" shuffle, driven by
// pshuffler and the siblings connection) before that sibling applies its
// own local shuffle — a two-level shuffle, matching the reference
// implementation's ParallelParty. With one server per party, pshuffler and
// siblings stay nil and only the local shuffle runs, unchanged from before.
type Party struct {
	partyID     types.PartyID
	serverID    types.ServerID
	serverCount types.ServerID
	partyCount  types.PartyID

	back *transport.Conn
	next *transport.Conn

	db        *types.Database
	lshuffler *shuffle.LocalShuffler

	siblings  *transport.ParallelGroup
	pshuffler *shuffle.ParallelShuffler

	// contributedCounts[i] is how many ciphers/queries sibling i (including
	// this server) contributes to one round of the parallel shuffle.
	contributedCounts []types.Index
	// noiseFromSiblingCounts[i] is how many of the items this server
	// receives from sibling i are noise rather than real queries.
	noiseFromSiblingCounts []types.Index

	noiseCount    types.Index
	inputCount    types.Index
	shuffledCount types.Index

	noise     *batch.Buffer[types.Sample]
	ciphers   *batch.HybridCipherBatch
	tags      *batch.Buffer[types.Tag]
	queries   []types.Query
	responses []types.Response

	// localQueries holds this server's own noise and real queries, indexed
	// by local creation order and not yet shuffled, while siblings != nil:
	// the two-level shuffle needs both noise and real items laid out
	// before routing any of them, unlike the single-server path which
	// shuffles each one in place as it's created.
	localQueries []types.Query

	queriesState *state.PartyState
	noiseState   *state.ClientState

	distribution *noise.Distribution
	noiseStart   types.Key
	noiseEnd     types.Key

	pkeys []onion.PublicKey

	inputCipherSize  int
	outputCipherSize int
	onionPub         onion.PublicKey
	onionPriv        onion.PrivateKey
}

// NewParty accepts the predecessor connection and dials the next party in
// the chain for relay partyID (0 <= partyID < config.PartyCount-1). When the
// relay is sharded across servers, it also dials every sibling server so
// the parallel shuffle can run between them.
func NewParty(serverID types.ServerID, partyID types.PartyID, cfg *config.Config, db *types.Database) (*Party, error) {
	if cfg.PartyCount < 2 || partyID >= cfg.PartyCount-1 {
		return nil, invariant("party: party id %d invalid for party count %d", partyID, cfg.PartyCount)
	}

	partyConfig := cfg.Parties[partyID]
	serverConfig := partyConfig.Servers[serverID]
	nextConfig := cfg.Parties[partyID+1].Servers[serverID]

	ln, err := transport.Listen(int(serverConfig.Port))
	if err != nil {
		return nil, err
	}
	back, err := ln.Accept()
	ln.Close()
	if err != nil {
		return nil, err
	}
	next, err := transport.Dial(nextConfig.IP, int(nextConfig.Port))
	if err != nil {
		return nil, err
	}

	pkeys := make([]onion.PublicKey, cfg.PartyCount)
	for i, party := range cfg.Parties {
		pkeys[i] = party.OnionPub
	}

	p := &Party{
		partyID:          partyID,
		serverID:         serverID,
		serverCount:      cfg.ServerCount,
		partyCount:       cfg.PartyCount,
		back:             back,
		next:             next,
		db:               db,
		lshuffler:        shuffle.NewLocalShuffler(int64(serverConfig.LocalSeed)),
		distribution:     noise.NewDistribution(cfg.Epsilon, cfg.Delta, int64(serverConfig.LocalSeed)),
		pkeys:            pkeys,
		inputCipherSize:  onion.CipherSize(int(cfg.PartyCount - partyID)),
		outputCipherSize: onion.CipherSize(int(cfg.PartyCount - partyID - 1)),
		onionPub:         partyConfig.OnionPub,
		onionPriv:        partyConfig.OnionPriv,
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
		p.siblings = siblings
		p.pshuffler = shuffle.NewParallelShuffler(serverID, cfg.ServerCount, int64(partyConfig.SharedSeed))
	}

	return p, nil
}

// Start runs the offline stage (real or simulated) followed by the online
// stage, matching Role.
func (p *Party) Start(offline, online bool) error {
	if offline {
		if err := p.startOffline(); err != nil {
			return err
		}
	} else {
		if err := p.simulateOffline(); err != nil {
			return err
		}
	}
	if online {
		return p.startOnline()
	}
	return nil
}

func (p *Party) initializeNoiseSamples() error {
	p.noiseStart, p.noiseEnd = noise.FindRange(p.serverID, p.serverCount, p.db.Size())
	size := p.noiseEnd - p.noiseStart
	p.noise = batch.NewBuffer[types.Sample](int(size))
	p.noiseCount = 0
	for i := types.Key(0); i < size; i++ {
		sample := p.distribution.Sample()
		p.noise.PushBack(sample)
		p.noiseCount += types.Index(sample)
	}
	return nil
}

// initializeCounts learns this server's input count from its predecessor
// and computes shuffledCount, the size of its own post-shuffle output
// slice. With siblings, that slice size comes from the global total across
// every sibling's contribution, divided evenly with the remainder landing
// on the last server — the same formula shuffle.ParallelShuffler.Initialize
// uses internally, kept in sync here since shuffledCount must be known
// (and sent to next) before the shufflers themselves are initialized.
func (p *Party) initializeCounts() error {
	inputCount, err := p.back.ReadCount()
	if err != nil {
		return err
	}
	p.inputCount = inputCount
	localTotal := p.inputCount + p.noiseCount

	if p.siblings == nil {
		p.shuffledCount = localTotal
		if err := p.next.SendCount(p.shuffledCount); err != nil {
			return err
		}
		logging.Info("party %d: input=%d noise=%d shuffled=%d", p.partyID, p.inputCount, p.noiseCount, p.shuffledCount)
		return nil
	}

	if err := p.siblings.BroadcastCount(localTotal); err != nil {
		return err
	}
	p.contributedCounts = make([]types.Index, p.serverCount)
	p.contributedCounts[p.serverID] = localTotal
	total := localTotal
	for id := types.ServerID(0); id < p.serverCount; id++ {
		if id == p.serverID {
			continue
		}
		count, err := p.siblings.ReadCount(id)
		if err != nil {
			return err
		}
		p.contributedCounts[id] = count
		total += count
	}

	perServer := total / types.Index(p.serverCount)
	p.shuffledCount = perServer
	if p.serverID == p.serverCount-1 {
		p.shuffledCount = total - types.Index(p.serverCount-1)*perServer
	}
	if err := p.next.SendCount(p.shuffledCount); err != nil {
		return err
	}
	logging.Info("party %d/%d: input=%d noise=%d shuffled=%d", p.partyID, p.serverID, p.inputCount, p.noiseCount, p.shuffledCount)
	return nil
}

// initializeShufflers (re)seeds the local shuffle and, when sharded, the
// parallel shuffle. It is called twice per offline run (once for the
// cipher shuffle, once more before the online query shuffle) with the same
// seeds both times, so the second call reproduces the first's permutation
// exactly, since LocalShuffler.Initialize and ParallelShuffler.Initialize
// both reseed their RNG from the stored seed on every call.
func (p *Party) initializeShufflers() error {
	if p.pshuffler == nil {
		p.lshuffler.Initialize(p.shuffledCount)
		return nil
	}

	p.pshuffler.Initialize(p.contributedCounts, p.noiseCount)
	if got := p.pshuffler.GetServerSliceSize(); got != p.shuffledCount {
		return invariant("party %d/%d: shuffled slice size mismatch (parallel shuffler computed %d, expected %d)", p.partyID, p.serverID, got, p.shuffledCount)
	}

	for id := types.ServerID(0); id < p.serverCount; id++ {
		if id == p.serverID {
			continue
		}
		if err := p.siblings.SendCount(id, p.pshuffler.CountNoiseToServer(id)); err != nil {
			return err
		}
	}
	p.noiseFromSiblingCounts = make([]types.Index, p.serverCount)
	p.noiseFromSiblingCounts[p.serverID] = p.pshuffler.CountNoiseToServer(p.serverID)
	for id := types.ServerID(0); id < p.serverCount; id++ {
		if id == p.serverID {
			continue
		}
		count, err := p.siblings.ReadCount(id)
		if err != nil {
			return err
		}
		p.noiseFromSiblingCounts[id] = count
	}

	p.lshuffler.Initialize(p.shuffledCount)
	return nil
}

func (p *Party) initializeNoiseQueries() error {
	localCount := p.noiseCount + p.inputCount
	if p.siblings == nil {
		p.queries = make([]types.Query, p.shuffledCount)
	} else {
		p.localQueries = make([]types.Query, localCount)
	}

	idx := types.Index(0)
	for key := p.noiseStart; key < p.noiseEnd; key++ {
		sample := p.noise.Get(int(key - p.noiseStart))
		for end := idx + types.Index(sample); idx < end; idx++ {
			query, err := p.makeNoiseQuery(key)
			if err != nil {
				return err
			}
			if p.siblings == nil {
				target := p.lshuffler.Shuffle(idx)
				p.queries[target] = query
			} else {
				p.localQueries[idx] = query
			}
		}
	}
	p.noise = nil
	p.noiseState = nil
	return nil
}

func (p *Party) collectCiphers() error {
	logging.Info("party %d: listening for %d offline ciphers", p.partyID, p.inputCount)
	count := p.inputCount
	for count > 0 {
		ciphers, err := p.back.ReadCiphers(count, p.inputCipherSize)
		if err != nil {
			return err
		}
		for _, cipher := range ciphers {
			p.ciphers.PushLong(cipher)
		}
		count -= types.Index(len(ciphers))
	}
	return nil
}

func (p *Party) createNoiseCiphers() error {
	p.ciphers = batch.NewHybridCipherBatch(int(p.noiseCount+p.inputCount), p.outputCipherSize, int(p.inputCount), p.inputCipherSize)
	logging.Info("party %d: creating %d noise ciphers", p.partyID, p.noiseCount)
	for i := types.Index(0); i < p.noiseCount; i++ {
		secrets, err := p.makeNoiseSecret(i)
		if err != nil {
			return err
		}
		cipher, err := onion.Encrypt(secrets, int(p.partyID)+1, p.pkeys)
		if err != nil {
			return err
		}
		p.ciphers.PushShort(cipher)
	}
	return nil
}

func (p *Party) installSecrets() error {
	logging.Info("party %d: decrypting offline ciphers", p.partyID)
	for p.ciphers.HasLong() {
		cipher := p.ciphers.PopLong()
		layer, err := onion.Decrypt(cipher, p.onionPub, p.onionPriv)
		if err != nil {
			return fmt.Errorf("party %d: decrypting cipher: %w", p.partyID, err)
		}
		if err := p.queriesState.Store(layer.Secret); err != nil {
			panic(invariant("party %d: %v", p.partyID, err))
		}
		p.ciphers.PushShort(layer.Inner)
	}
	return nil
}

// shuffleAcrossSiblings implements the two-level (parallel + local) shuffle
// shared by the cipher and query phases: this server's own localCount
// items (read via get) are routed to the sibling shuffle.ParallelShuffler
// assigns them to, while a goroutine per sibling drains the matching
// incoming stream and places each arrival at the position lshuffler
// assigns it within this server's post-shuffle output slice. Grounded on
// the original ParallelParty::ShuffleCiphers/ShuffleQueries, which
// interleave the same send/receive pair through a poll loop; Conn's
// documented read-from-one-goroutine/write-from-another safety lets a
// goroutine-per-sibling reader stand in for that poll loop without needing
// ParallelGroup.Poll itself.
func (p *Party) shuffleAcrossSiblings(localCount types.Index, itemSize int, get func(types.Index) []byte) ([][]byte, error) {
	out := make([][]byte, p.shuffledCount)
	counters := make([]types.Index, p.serverCount)
	var mu sync.Mutex

	place := func(source types.ServerID, item []byte) {
		mu.Lock()
		start := p.pshuffler.PrefixSumCountFromServer(source)
		idx := start + counters[source]
		counters[source]++
		target := p.lshuffler.Shuffle(idx)
		mu.Unlock()
		out[target] = item
	}

	var wg sync.WaitGroup
	errCh := make(chan error, p.serverCount)
	for id := types.ServerID(0); id < p.serverCount; id++ {
		if id == p.serverID {
			continue
		}
		count := p.pshuffler.CountFromServer(id)
		if count == 0 {
			continue
		}
		wg.Add(1)
		go func(id types.ServerID, count types.Index) {
			defer wg.Done()
			conn := p.siblings.Conn(id)
			for i := types.Index(0); i < count; i++ {
				item, err := conn.ReadRaw(itemSize)
				if err != nil {
					errCh <- fmt.Errorf("party %d: receiving shuffled item from sibling %d: %w", p.partyID, id, err)
					return
				}
				place(id, item)
			}
		}(id, count)
	}

	for i := types.Index(0); i < localCount; i++ {
		item := get(i)
		target := p.pshuffler.ShuffleOne()
		if target == p.serverID {
			place(p.serverID, item)
			continue
		}
		if err := p.siblings.Conn(target).SendRaw(item); err != nil {
			return nil, fmt.Errorf("party %d: sending shuffled item to sibling %d: %w", p.partyID, target, err)
		}
	}
	if err := p.siblings.FlushAll(); err != nil {
		return nil, err
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// shuffleCiphersOut produces this server's post-shuffle short-cipher
// slice, sized shuffledCount. With one server per party the local shuffle
// runs directly over the installed short region; sharded, the parallel
// shuffle first routes every cipher to the sibling it belongs on.
func (p *Party) shuffleCiphersOut() ([][]byte, error) {
	localCount := p.noiseCount + p.inputCount
	if p.siblings == nil {
		out := make([][]byte, p.shuffledCount)
		for i := types.Index(0); i < localCount; i++ {
			target := p.lshuffler.Shuffle(i)
			out[target] = p.ciphers.GetShort(int(i))
		}
		return out, nil
	}
	return p.shuffleAcrossSiblings(localCount, p.outputCipherSize, func(i types.Index) []byte {
		return p.ciphers.GetShort(int(i))
	})
}

func (p *Party) sendCiphers(outgoing [][]byte) error {
	logging.Info("party %d: sending %d offline ciphers", p.partyID, p.shuffledCount)
	for _, cipher := range outgoing {
		if err := p.next.SendCipher(cipher); err != nil {
			return err
		}
	}
	if err := p.next.Flush(); err != nil {
		return err
	}
	p.lshuffler.FinishForward()
	if p.pshuffler != nil {
		p.pshuffler.FinishForward()
	}
	p.ciphers = nil
	return nil
}

// broadcastSecrets shares every secret this server installed during
// installSecrets with every sibling, so a query landing on any sibling
// during the online stage can be answered regardless of which sibling
// originally decrypted its offline cipher. Grounded on the identical
// broadcast BackendParty runs over its own (differently-shaped) state; see
// BackendParty.broadcastSecrets.
func (p *Party) broadcastSecrets() error {
	if p.siblings == nil {
		return nil
	}

	localCount := types.Index(p.queriesState.Len())
	if err := p.siblings.BroadcastCount(localCount); err != nil {
		return err
	}

	fromCounts := make(map[types.ServerID]types.Index)
	for id := types.ServerID(0); id < p.serverCount; id++ {
		if id == p.serverID {
			continue
		}
		count, err := p.siblings.ReadCount(id)
		if err != nil {
			return err
		}
		fromCounts[id] = count
	}

	var encodeErr error
	p.queriesState.Range(func(tag, nextTag types.Tag, incremental types.IncrementalShare, preshare types.Preshare) {
		if encodeErr != nil {
			return
		}
		var buf [types.OfflineSecretSize]byte
		types.PutOfflineSecret(buf[:], types.OfflineSecret{Tag: tag, NextTag: nextTag, Share: incremental, Preshare: preshare})
		encodeErr = p.siblings.BroadcastSecret(buf[:])
	})
	if encodeErr != nil {
		return encodeErr
	}
	if err := p.siblings.FlushAll(); err != nil {
		return err
	}

	for id := types.ServerID(0); id < p.serverCount; id++ {
		if id == p.serverID {
			continue
		}
		conn := p.siblings.Conn(id)
		for i := types.Index(0); i < fromCounts[id]; i++ {
			raw, err := conn.ReadRaw(types.OfflineSecretSize)
			if err != nil {
				return err
			}
			if err := p.queriesState.Store(types.OfflineSecretFrom(raw)); err != nil {
				panic(invariant("party %d: %v", p.partyID, err))
			}
		}
	}
	return nil
}

func (p *Party) siblingsSync() error {
	if p.siblings == nil {
		return nil
	}
	if err := p.siblings.BroadcastReady(); err != nil {
		return err
	}
	return p.siblings.WaitForReady()
}

func (p *Party) startOffline() error {
	if err := p.initializeNoiseSamples(); err != nil {
		return err
	}
	if err := p.initializeCounts(); err != nil {
		return err
	}

	p.queriesState = state.NewPartyState()
	p.noiseState = state.NewClientState(p.partyCount-p.partyID-1, p.noiseCount, true)

	if err := p.createNoiseCiphers(); err != nil {
		return err
	}
	if err := p.next.WaitForReady(); err != nil {
		return err
	}
	if err := p.siblingsSync(); err != nil {
		return err
	}
	if err := p.back.SendReady(); err != nil {
		return err
	}

	if err := p.collectCiphers(); err != nil {
		return err
	}
	if err := p.siblingsSync(); err != nil {
		return err
	}

	if err := p.initializeShufflers(); err != nil {
		return err
	}
	if err := p.installSecrets(); err != nil {
		return err
	}
	outgoing, err := p.shuffleCiphersOut()
	if err != nil {
		return err
	}
	if err := p.sendCiphers(outgoing); err != nil {
		return err
	}
	if err := p.broadcastSecrets(); err != nil {
		return err
	}

	if err := p.initializeShufflers(); err != nil {
		return err
	}
	p.tags = batch.NewBuffer[types.Tag](int(p.inputCount))
	if err := p.initializeNoiseQueries(); err != nil {
		return err
	}

	if err := p.next.WaitForReady(); err != nil {
		return err
	}
	if err := p.siblingsSync(); err != nil {
		return err
	}
	return p.back.SendReady()
}

func (p *Party) simulateOffline() error {
	if err := p.initializeNoiseSamples(); err != nil {
		return err
	}
	if err := p.initializeCounts(); err != nil {
		return err
	}
	if err := p.initializeShufflers(); err != nil {
		return err
	}

	p.queriesState = state.NewSimulatedPartyState()
	p.noiseState = state.NewSimulatedClientState(p.partyCount-p.partyID-1, true)

	p.tags = batch.NewBuffer[types.Tag](int(p.inputCount))
	if err := p.initializeNoiseQueries(); err != nil {
		return err
	}

	if err := p.next.WaitForReady(); err != nil {
		return err
	}
	if err := p.siblingsSync(); err != nil {
		return err
	}
	return p.back.SendReady()
}

func (p *Party) collectQueries() error {
	logging.Info("party %d: listening for queries", p.partyID)
	localCount := p.noiseCount + p.inputCount
	read := p.noiseCount
	for read < localCount {
		remaining := localCount - read
		queries, err := p.back.ReadQueries(remaining)
		if err != nil {
			return err
		}
		for _, in := range queries {
			p.tags.PushBack(in.Tag)
			out, err := p.handleQuery(in)
			if err != nil {
				return err
			}
			if p.siblings == nil {
				target := p.lshuffler.Shuffle(read)
				p.queries[target] = out
			} else {
				p.localQueries[read] = out
			}
			read++
		}
	}
	return nil
}

// shuffleQueriesOut routes localQueries through the parallel shuffle when
// sharded, landing the result in p.queries ready for sendQueries. With one
// server per party, collectQueries already shuffled each query in place,
// so this is a no-op.
func (p *Party) shuffleQueriesOut() error {
	if p.siblings == nil {
		return nil
	}
	raw, err := p.shuffleAcrossSiblings(p.noiseCount+p.inputCount, types.QuerySize, func(i types.Index) []byte {
		var buf [types.QuerySize]byte
		types.PutQuery(buf[:], p.localQueries[i])
		return buf[:]
	})
	if err != nil {
		return err
	}
	p.queries = make([]types.Query, p.shuffledCount)
	for i, b := range raw {
		p.queries[i] = types.QueryFrom(b)
	}
	p.localQueries = nil
	return nil
}

func (p *Party) sendQueries() error {
	logging.Info("party %d: sending queries", p.partyID)
	for _, query := range p.queries {
		if err := p.next.SendQuery(query); err != nil {
			return err
		}
	}
	if err := p.next.Flush(); err != nil {
		return err
	}
	p.lshuffler.FinishForward()
	if p.pshuffler != nil {
		p.pshuffler.FinishForward()
	}
	p.queries = nil
	return nil
}

// deshuffleOneReal advances source's backward cursor past any of this
// server's own noise-origin positions until it lands on a real one,
// mirroring ParallelParty::FromSibling's skip-loop: positions routed to
// self never separately arrive (their responses are dropped upstream), so
// nothing else advances the cursor past them.
func (p *Party) deshuffleOneReal(source types.ServerID) types.Index {
	idx := p.pshuffler.DeshuffleOne(source)
	for idx < p.noiseCount {
		idx = p.pshuffler.DeshuffleOne(source)
	}
	return idx - p.noiseCount
}

func (p *Party) finalizeResponse(targetIndex types.Index, in types.Response) error {
	tag := p.tags.Get(int(targetIndex))
	out, err := p.handleResponse(tag, in)
	if err != nil {
		return err
	}
	p.responses[targetIndex] = out
	return nil
}

func (p *Party) collectResponses() error {
	logging.Info("party %d: listening for responses", p.partyID)
	p.responses = make([]types.Response, p.inputCount)

	if p.siblings == nil {
		read := types.Index(0)
		for read < p.shuffledCount {
			remaining := p.shuffledCount - read
			responses, err := p.next.ReadResponses(remaining)
			if err != nil {
				return err
			}
			for _, in := range responses {
				target := p.lshuffler.Deshuffle(read)
				read++
				if target >= p.noiseCount {
					if err := p.finalizeResponse(target-p.noiseCount, in); err != nil {
						return err
					}
				}
			}
		}
		p.lshuffler.FinishBackward()
		p.tags = nil
		return nil
	}

	// Deshuffle the local shuffle first, grouping every real (non-noise)
	// response by which sibling originally contributed it, placed back at
	// that sibling's own relative contribution order (not the order
	// responses happen to arrive in here, which is an unrelated
	// permutation) — see shuffleAcrossSiblings/FromSibling.
	bySource := make([][]types.Response, p.serverCount)
	for id := types.ServerID(0); id < p.serverCount; id++ {
		bySource[id] = make([]types.Response, p.pshuffler.CountFromServer(id)-p.noiseFromSiblingCounts[id])
	}

	read := types.Index(0)
	for read < p.shuffledCount {
		remaining := p.shuffledCount - read
		responses, err := p.next.ReadResponses(remaining)
		if err != nil {
			return err
		}
		for _, in := range responses {
			preLocal := p.lshuffler.Deshuffle(read)
			read++
			source := p.pshuffler.FindSourceOf(preLocal)
			rel := preLocal - p.pshuffler.PrefixSumCountFromServer(source)
			if rel < p.noiseFromSiblingCounts[source] {
				continue // this source's own noise response: drop it
			}
			bySource[source][rel-p.noiseFromSiblingCounts[source]] = in
		}
	}
	p.lshuffler.FinishBackward()

	var wg sync.WaitGroup
	errCh := make(chan error, p.serverCount)
	for id := types.ServerID(0); id < p.serverCount; id++ {
		if id == p.serverID {
			continue
		}
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := p.siblings.Conn(id)
			if len(bySource[id]) > 0 {
				if err := conn.SendResponses(bySource[id]); err != nil {
					errCh <- fmt.Errorf("party %d: forwarding responses to sibling %d: %w", p.partyID, id, err)
					return
				}
			}
			expect := p.pshuffler.CountToServer(id) - p.pshuffler.CountNoiseToServer(id)
			if expect == 0 {
				return
			}
			responses, err := conn.ReadResponses(expect)
			if err != nil {
				errCh <- fmt.Errorf("party %d: collecting responses from sibling %d: %w", p.partyID, id, err)
				return
			}
			for _, in := range responses {
				targetIndex := p.deshuffleOneReal(id)
				if err := p.finalizeResponse(targetIndex, in); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}

	for _, in := range bySource[p.serverID] {
		targetIndex := p.deshuffleOneReal(p.serverID)
		if err := p.finalizeResponse(targetIndex, in); err != nil {
			return err
		}
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}

	p.pshuffler.FinishBackward()
	p.tags = nil
	return nil
}

func (p *Party) sendResponses() error {
	logging.Info("party %d: sending responses", p.partyID)
	for _, response := range p.responses {
		if err := p.back.SendResponse(response); err != nil {
			return err
		}
	}
	if err := p.back.Flush(); err != nil {
		return err
	}
	p.responses = nil
	return nil
}

func (p *Party) startOnline() error {
	if err := p.collectQueries(); err != nil {
		return err
	}
	if err := p.siblingsSync(); err != nil {
		return err
	}
	if err := p.shuffleQueriesOut(); err != nil {
		return err
	}
	if err := p.sendQueries(); err != nil {
		return err
	}
	if err := p.collectResponses(); err != nil {
		return err
	}
	if err := p.siblingsSync(); err != nil {
		return err
	}
	return p.sendResponses()
}

// sampleTag picks the tag for noise query id, deterministically (see
// Client.sampleTag — true uniform sampling would break the tag-chain
// bookkeeping AddSecret relies on without further rework).
func (p *Party) sampleTag(id types.Index) types.Tag {
	return types.Tag(p.inputCount) + types.Tag(id)
}

func (p *Party) makeNoiseSecret(id types.Index) ([]types.OfflineSecret, error) {
	remaining := p.partyCount - p.partyID - 1
	tag := p.sampleTag(id)
	incrementals, err := sharing.PreIncrementalShares(int(remaining))
	if err != nil {
		return nil, err
	}
	preshares, err := sharing.ZeroShares(int(remaining) + 1)
	if err != nil {
		return nil, err
	}

	secrets := make([]types.OfflineSecret, remaining)
	for partyIdx := types.PartyID(0); partyIdx < remaining; partyIdx++ {
		nextTag := p.sampleTag(id)
		secrets[partyIdx] = types.OfflineSecret{
			Tag:      tag,
			NextTag:  nextTag,
			Share:    incrementals[partyIdx],
			Preshare: preshares[partyIdx],
		}
		tag = nextTag
	}
	p.noiseState.AddNoiseSecret(tag, incrementals)
	return secrets, nil
}

func (p *Party) makeNoiseQuery(key types.Key) (types.Query, error) {
	p.noiseState.LoadNext()
	tally := sharing.BuildTally(key, p.noiseState.GetIncrementalShares())
	return types.Query{Tag: p.noiseState.GetTag(), Tally: tally}, nil
}

func (p *Party) handleQuery(input types.Query) (types.Query, error) {
	if err := p.queriesState.LoadSecret(input.Tag); err != nil {
		panic(invariant("party %d: %v", p.partyID, err))
	}
	tally := sharing.Reconstruct(input.Tally, p.queriesState.GetIncremental())
	return types.Query{Tag: p.queriesState.GetNextTag(), Tally: tally}, nil
}

func (p *Party) handleResponse(tag types.Tag, input types.Response) (types.Response, error) {
	var out types.Response
	sharing.Blend(&out, input, p.queriesState.GetPreshare(tag))
	return out, nil
}
