package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auroradata-ai/dppir/internal/onion"
)

func sampleConfig(t *testing.T) *Config {
	t.Helper()
	pub1, priv1, err := onion.GenerateKeyPair()
	require.NoError(t, err)
	pub2, priv2, err := onion.GenerateKeyPair()
	require.NoError(t, err)

	return &Config{
		DBSize:      1000,
		Epsilon:     0.5,
		Delta:       0.0001,
		PartyCount:  2,
		ServerCount: 2,
		Parties: []PartyConfig{
			{
				SharedSeed: 11,
				OnionPub:   pub1,
				OnionPriv:  priv1,
				Servers: []ServerConfig{
					{LocalSeed: 1, Port: 9001, ParallelPort: 9101, IP: "127.0.0.1"},
					{LocalSeed: 2, Port: 9002, ParallelPort: 9102, IP: "127.0.0.1"},
				},
			},
			{
				SharedSeed: 22,
				OnionPub:   pub2,
				OnionPriv:  priv2,
				Servers: []ServerConfig{
					{LocalSeed: 3, Port: 9011, ParallelPort: 9111, IP: "10.0.0.5"},
					{LocalSeed: 4, Port: 9012, ParallelPort: 9112, IP: "10.0.0.6"},
				},
			},
		},
	}
}

// TestConfigRoundTrip covers property 8: Deserialize(Serialize(c)) == c,
// bit for bit.
func TestConfigRoundTrip(t *testing.T) {
	cfg := sampleConfig(t)
	data, err := Serialize(cfg)
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

// TestScenarioS4 is the literal scenario: a small 2-party, 2-server
// deployment config round-trips through a file on disk.
func TestScenarioS4(t *testing.T) {
	cfg := sampleConfig(t)
	path := t.TempDir() + "/dppir.config"

	require.NoError(t, WriteToFile(cfg, path))
	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestDeserializeRejectsTrailingBytes(t *testing.T) {
	cfg := sampleConfig(t)
	data, err := Serialize(cfg)
	require.NoError(t, err)
	_, err = Deserialize(append(data, 0xFF))
	require.Error(t, err)
}

func TestDeserializeRejectsTruncatedData(t *testing.T) {
	cfg := sampleConfig(t)
	data, err := Serialize(cfg)
	require.NoError(t, err)
	_, err = Deserialize(data[:len(data)-1])
	require.Error(t, err)
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	cfg := sampleConfig(t)
	fp1, err := cfg.Fingerprint()
	require.NoError(t, err)
	fp2, err := cfg.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	cfg.Epsilon = 1.0
	fp3, err := cfg.Fingerprint()
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp3)
}

func TestSerializeRejectsMismatchedPartyCount(t *testing.T) {
	cfg := sampleConfig(t)
	cfg.PartyCount = 5
	_, err := Serialize(cfg)
	require.Error(t, err)
}
