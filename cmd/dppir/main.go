// Command dppir runs one participant in a DP-PIR deployment: the client
// that issues queries, or a party (relay or backend) that serves them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/auroradata-ai/dppir/internal/config"
	"github.com/auroradata-ai/dppir/internal/logging"
	"github.com/auroradata-ai/dppir/internal/protocol"
	"github.com/auroradata-ai/dppir/internal/types"
)

var (
	stage      string
	configPath string
	serverID   int
	partyID    int
	numQueries int

	rootCmd = &cobra.Command{
		Use:   "dppir",
		Short: "Run one participant in a differentially-private PIR deployment",
	}

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Run the querying client",
		RunE:  runClient,
	}

	partyCmd = &cobra.Command{
		Use:   "party",
		Short: "Run a relay or backend party",
		Long: `Run a relay or backend party. A deployment's last party
(party-id = party_count-1) is always the backend that owns the database;
every other party-id is a relay.`,
		RunE: runParty,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&stage, "stage", "both", `protocol stage to run: "offline", "online", or "both"`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the deployment config file (required)")
	rootCmd.PersistentFlags().IntVar(&serverID, "server-id", 0, "this process's server id within its party")
	rootCmd.MarkPersistentFlagRequired("config")

	clientCmd.Flags().IntVar(&numQueries, "queries", 1, "number of queries to run")

	partyCmd.Flags().IntVar(&partyID, "party-id", -1, "this process's party id (required)")
	partyCmd.MarkFlagRequired("party-id")

	rootCmd.AddCommand(clientCmd, partyCmd)
}

func stages() (offline, online bool, err error) {
	switch stage {
	case "both":
		return true, true, nil
	case "offline":
		return true, false, nil
	case "online":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("unknown --stage %q (want offline, online, or both)", stage)
	}
}

func loadDatabase(cfg *config.Config) *types.Database {
	return types.NewDatabase(cfg.DBSize)
}

func runClient(cmd *cobra.Command, args []string) error {
	logging.Init("client")
	cfg, err := config.ReadFile(configPath)
	if err != nil {
		return err
	}
	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		return err
	}
	logging.Info("config fingerprint: %x", fingerprint)

	offline, online, err := stages()
	if err != nil {
		return err
	}
	if numQueries <= 0 {
		return fmt.Errorf("--queries must be positive, got %d", numQueries)
	}

	db := loadDatabase(cfg)
	client, err := protocol.NewClient(types.ServerID(serverID), cfg, db, types.Index(numQueries))
	if err != nil {
		return err
	}
	return runRole(client, offline, online)
}

func runParty(cmd *cobra.Command, args []string) error {
	cfg, err := config.ReadFile(configPath)
	if err != nil {
		return err
	}
	if partyID < 0 || partyID >= int(cfg.PartyCount) {
		return fmt.Errorf("--party-id %d out of range for party count %d", partyID, cfg.PartyCount)
	}

	backend := partyID == int(cfg.PartyCount)-1
	tag := fmt.Sprintf("party-%d", partyID)
	if backend {
		tag = "backend"
	}
	logging.Init(tag)

	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		return err
	}
	logging.Info("config fingerprint: %x", fingerprint)

	offline, online, err := stages()
	if err != nil {
		return err
	}

	db := loadDatabase(cfg)
	var role protocol.Role
	if backend {
		role, err = protocol.NewBackendParty(types.ServerID(serverID), cfg, db)
	} else {
		role, err = protocol.NewParty(types.ServerID(serverID), types.PartyID(partyID), cfg, db)
	}
	if err != nil {
		return err
	}
	return runRole(role, offline, online)
}

// runRole runs role to completion, recovering a panic (a duplicate or
// missing tag panics with a protocol.InvariantError rather than unwinding
// mid-batch with partial state still in flight; other invariant violations
// come back as returned errors) into a plain error so main always exits
// through one path.
func runRole(role protocol.Role, offline, online bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dppir: aborted: %v", r)
		}
	}()
	return role.Start(offline, online)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
