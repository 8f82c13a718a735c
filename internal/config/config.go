// Package config reads and writes the deployment-wide Config record every
// role needs at startup: database size, privacy budget, and per-party,
// per-server topology and key material. It is a packed binary wire
// format, not YAML — every party in a deployment must agree byte-for-byte
// on database size, epsilon/delta, and everyone's onion keys, so treating
// it as a serialized wire record (the way the protocol treats queries and
// responses) rather than a human-edited file catches a mismatched
// deployment at parse time instead of at some later protocol invariant
// violation.
package config

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/auroradata-ai/dppir/internal/onion"
	"github.com/auroradata-ai/dppir/internal/types"
)

// ServerConfig is one sibling server's seed, topology, and port assignment.
type ServerConfig struct {
	LocalSeed    int32
	Port         int32
	ParallelPort int32
	IP           string
}

// PartyConfig is one party's shuffle seed, onion keypair, and the
// configs of the servers sharding it.
type PartyConfig struct {
	SharedSeed int32
	OnionPub   onion.PublicKey
	OnionPriv  onion.PrivateKey
	Servers    []ServerConfig
}

// Config is the full deployment topology: every party and server in the
// chain, plus the database size and privacy budget every role needs to
// agree on.
type Config struct {
	DBSize      types.Index
	Epsilon     float64
	Delta       float64
	PartyCount  types.PartyID
	ServerCount types.ServerID
	Parties     []PartyConfig
}

func putInt32(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	buf.Write(b[:])
}

func putFloat64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func readInt32(data []byte) (int32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("config: truncated int32")
	}
	return int32(binary.LittleEndian.Uint32(data)), data[4:], nil
}

func readFloat64(data []byte) (float64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("config: truncated float64")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(data)), data[8:], nil
}

func readBytes(data []byte, n int) ([]byte, []byte, error) {
	if len(data) < n {
		return nil, nil, fmt.Errorf("config: truncated (wanted %d bytes, have %d)", n, len(data))
	}
	return data[:n], data[n:], nil
}

// readCString reads a NUL-terminated string, matching the original's
// ip-address-as-cstring encoding.
func readCString(data []byte) (string, []byte, error) {
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return "", nil, fmt.Errorf("config: unterminated string")
	}
	return string(data[:idx]), data[idx+1:], nil
}

// Serialize packs config into the wire format every role parses at
// startup: db_size, epsilon, delta, party_count, server_count, then per
// party (shared_seed, onion pubkey, onion privkey, then per server
// local_seed, port, parallel_port, NUL-terminated ip).
func Serialize(config *Config) ([]byte, error) {
	if len(config.Parties) != int(config.PartyCount) {
		return nil, fmt.Errorf("config: PartyCount=%d but %d parties given", config.PartyCount, len(config.Parties))
	}

	var buf bytes.Buffer
	putInt32(&buf, int32(config.DBSize))
	putFloat64(&buf, config.Epsilon)
	putFloat64(&buf, config.Delta)
	putInt32(&buf, int32(config.PartyCount))
	putInt32(&buf, int32(config.ServerCount))

	for _, party := range config.Parties {
		if len(party.Servers) != int(config.ServerCount) {
			return nil, fmt.Errorf("config: ServerCount=%d but party has %d servers", config.ServerCount, len(party.Servers))
		}
		putInt32(&buf, party.SharedSeed)
		buf.Write(party.OnionPub[:])
		buf.Write(party.OnionPriv[:])
		for _, server := range party.Servers {
			putInt32(&buf, server.LocalSeed)
			putInt32(&buf, server.Port)
			putInt32(&buf, server.ParallelPort)
			buf.WriteString(server.IP)
			buf.WriteByte(0)
		}
	}
	return buf.Bytes(), nil
}

// Deserialize unpacks a Config serialized by Serialize. It is an error for
// any bytes to remain once every field has been read.
func Deserialize(data []byte) (*Config, error) {
	var config Config
	var dbSize, partyCount, serverCount int32
	var err error

	if dbSize, data, err = readInt32(data); err != nil {
		return nil, err
	}
	config.DBSize = types.Index(dbSize)
	if config.Epsilon, data, err = readFloat64(data); err != nil {
		return nil, err
	}
	if config.Delta, data, err = readFloat64(data); err != nil {
		return nil, err
	}
	if partyCount, data, err = readInt32(data); err != nil {
		return nil, err
	}
	config.PartyCount = types.PartyID(partyCount)
	if serverCount, data, err = readInt32(data); err != nil {
		return nil, err
	}
	config.ServerCount = types.ServerID(serverCount)

	config.Parties = make([]PartyConfig, config.PartyCount)
	for i := range config.Parties {
		party := &config.Parties[i]
		var sharedSeed int32
		if sharedSeed, data, err = readInt32(data); err != nil {
			return nil, err
		}
		party.SharedSeed = sharedSeed

		var pubBytes, privBytes []byte
		if pubBytes, data, err = readBytes(data, onion.KeySize); err != nil {
			return nil, err
		}
		copy(party.OnionPub[:], pubBytes)
		if privBytes, data, err = readBytes(data, onion.KeySize); err != nil {
			return nil, err
		}
		copy(party.OnionPriv[:], privBytes)

		party.Servers = make([]ServerConfig, config.ServerCount)
		for j := range party.Servers {
			server := &party.Servers[j]
			var localSeed, port, parallelPort int32
			if localSeed, data, err = readInt32(data); err != nil {
				return nil, err
			}
			server.LocalSeed = localSeed
			if port, data, err = readInt32(data); err != nil {
				return nil, err
			}
			server.Port = port
			if parallelPort, data, err = readInt32(data); err != nil {
				return nil, err
			}
			server.ParallelPort = parallelPort
			if server.IP, data, err = readCString(data); err != nil {
				return nil, err
			}
		}
	}

	if len(data) != 0 {
		return nil, fmt.Errorf("config: %d trailing bytes after deserializing", len(data))
	}
	return &config, nil
}

// ReadFile loads and deserializes a Config from path.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Deserialize(data)
}

// WriteToFile serializes config and writes it to path.
func WriteToFile(config *Config, path string) error {
	data, err := Serialize(config)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Fingerprint returns a blake2b-256 hash of config's serialized form, so
// every role in a deployment can log it at startup and confirm they all
// loaded the same topology without comparing the whole file by hand.
func (c *Config) Fingerprint() ([32]byte, error) {
	data, err := Serialize(c)
	if err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(data), nil
}
