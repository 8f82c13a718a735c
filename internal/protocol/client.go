package protocol

import (
	"fmt"

	"github.com/auroradata-ai/dppir/internal/config"
	"github.com/auroradata-ai/dppir/internal/logging"
	"github.com/auroradata-ai/dppir/internal/onion"
	"github.com/auroradata-ai/dppir/internal/sharing"
	"github.com/auroradata-ai/dppir/internal/state"
	"github.com/auroradata-ai/dppir/internal/transport"
	"github.com/auroradata-ai/dppir/internal/types"
)

// Client is party 0's caller: it samples an offline secret per query,
// onion-encrypts it to every party in the chain, and later reconstructs
// each response with the preshare it kept for itself.
type Client struct {
	serverID   types.ServerID
	partyCount types.PartyID
	queries    types.Index

	conn  *transport.Conn
	db    *types.Database
	state *state.ClientState
	pkeys []onion.PublicKey
}

// NewClient dials party 0's server shard serverID and prepares to run
// queries offline secrets through the chain.
func NewClient(serverID types.ServerID, cfg *config.Config, db *types.Database, queries types.Index) (*Client, error) {
	if cfg.PartyCount < 2 {
		return nil, invariant("client: party count must be >= 2, got %d", cfg.PartyCount)
	}
	pkeys := make([]onion.PublicKey, cfg.PartyCount)
	for i, party := range cfg.Parties {
		pkeys[i] = party.OnionPub
	}

	front := cfg.Parties[0].Servers[serverID]
	conn, err := transport.Dial(front.IP, int(front.Port))
	if err != nil {
		return nil, err
	}

	return &Client{
		serverID:   serverID,
		partyCount: cfg.PartyCount,
		queries:    queries,
		conn:       conn,
		db:         db,
		pkeys:      pkeys,
	}, nil
}

// Start runs the offline stage (real or simulated) followed by the online
// stage, matching Role.
func (c *Client) Start(offline, online bool) error {
	if offline {
		if err := c.startOffline(); err != nil {
			return err
		}
	} else {
		if err := c.simulateOffline(); err != nil {
			return err
		}
	}
	if online {
		return c.startOnline()
	}
	return nil
}

func (c *Client) startOffline() error {
	logging.Info("client: offline queries: %d", c.queries)
	if err := c.conn.SendCount(c.queries); err != nil {
		return err
	}
	if err := c.conn.WaitForReady(); err != nil {
		return err
	}

	c.state = state.NewClientState(c.partyCount, c.queries, false)
	for i := types.Index(0); i < c.queries; i++ {
		secrets, err := c.makeSecret(i)
		if err != nil {
			return err
		}
		cipher, err := onion.Encrypt(secrets, 0, c.pkeys)
		if err != nil {
			return err
		}
		if err := c.conn.SendCipher(cipher); err != nil {
			return err
		}
	}
	if err := c.conn.Flush(); err != nil {
		return err
	}
	return c.conn.WaitForReady()
}

func (c *Client) simulateOffline() error {
	c.state = state.NewSimulatedClientState(c.partyCount, false)
	if err := c.conn.SendCount(c.queries); err != nil {
		return err
	}
	return c.conn.WaitForReady()
}

func (c *Client) startOnline() error {
	logging.Info("client: queries: %d", c.queries)
	keys := make([]types.Key, 0, c.queries)
	for i := types.Index(0); i < c.queries; i++ {
		key := c.db.RandomRow()
		keys = append(keys, key)
		query, err := c.makeQuery(key)
		if err != nil {
			return err
		}
		if err := c.conn.SendQuery(query); err != nil {
			return err
		}
	}
	if err := c.conn.Flush(); err != nil {
		return err
	}
	c.state.FinishSharing()

	read := types.Index(0)
	for read < c.queries {
		responses, err := c.conn.ReadResponses(c.queries - read)
		if err != nil {
			return err
		}
		for _, response := range responses {
			reconstructed, err := c.reconstructResponse(response)
			if err != nil {
				return err
			}
			expected := c.db.Lookup(keys[read])
			if !reconstructed.Equal(expected) {
				return invariant("client: response %d for key %d does not match database", read, keys[read])
			}
			read++
		}
	}
	return nil
}

// sampleTag picks the tag for query id. This leaks which server handled a
// query but is useful for debugging; it is not sampled uniformly at random.
func (c *Client) sampleTag(id types.Index) types.Tag {
	return types.Tag(c.serverID)*types.Tag(c.queries) + types.Tag(id)
}

// makeSecret samples an offline secret, stores the client's own portion in
// state, and returns the per-party secrets to onion-encrypt.
func (c *Client) makeSecret(id types.Index) ([]types.OfflineSecret, error) {
	tag := c.sampleTag(id)
	incrementals, err := sharing.PreIncrementalShares(int(c.partyCount))
	if err != nil {
		return nil, fmt.Errorf("client: sampling incremental shares: %w", err)
	}
	preshares, err := sharing.ZeroShares(int(c.partyCount) + 1)
	if err != nil {
		return nil, fmt.Errorf("client: sampling additive shares: %w", err)
	}

	secrets := make([]types.OfflineSecret, c.partyCount)
	for partyID := types.PartyID(0); partyID < c.partyCount; partyID++ {
		nextTag := c.sampleTag(id)
		secrets[partyID] = types.OfflineSecret{
			Tag:      tag,
			NextTag:  nextTag,
			Share:    incrementals[partyID],
			Preshare: preshares[partyID],
		}
		tag = nextTag
	}

	c.state.AddSecret(tag, incrementals, preshares[c.partyCount])
	return secrets, nil
}

func (c *Client) makeQuery(key types.Key) (types.Query, error) {
	c.state.LoadNext()
	tally := sharing.BuildTally(key, c.state.GetIncrementalShares())
	return types.Query{Tag: c.state.GetTag(), Tally: tally}, nil
}

func (c *Client) reconstructResponse(response types.Response) (types.Response, error) {
	c.state.LoadNext()
	var out types.Response
	sharing.Blend(&out, response, c.state.GetPreshare())
	return out, nil
}
