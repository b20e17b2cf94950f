package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quorumchain/validator/types"
)

// NodeFlags groups the node's command-line flags into one sub-flag-struct
// per concern, each with its own add*Flags(cmd) method registering pflag
// vars, composed here by embedding.
type NodeFlags struct {
	homeFlags
	keyFlags
	dbFlags
	p2pFlags
	roundFlags
	quorumStoreFlags
	electionFlags
}

type homeFlags struct {
	Home string
}

func (f *homeFlags) addHomeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Home, "home", os.Getenv(HomeEnvVar),
		fmt.Sprintf("directory key-file/db/peers-file default paths are resolved under (env %s)", HomeEnvVar))
}

type keyFlags struct {
	Self    string
	KeyFile string
}

func (f *keyFlags) addKeyFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Self, "self", "", "this validator's author id")
	cmd.Flags().StringVar(&f.KeyFile, "key-file", "",
		fmt.Sprintf("path to the signing key file (default %s)", filepath.Join("$"+HomeEnvVar, "key.json")))
}

type dbFlags struct {
	DBFile    string
	DBBackend string
}

func (f *dbFlags) addDBFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.DBFile, "db", "",
		fmt.Sprintf("path to the node database (default %s)", filepath.Join("$"+HomeEnvVar, nodeDBFileName)))
	cmd.Flags().StringVar(&f.DBBackend, "db-backend", "bolt", "node database backend: bolt, badger, or memory")
}

type p2pFlags struct {
	ListenAddrs []string
	PeersFile   string
}

func (f *p2pFlags) addP2PFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.ListenAddrs, "listen", []string{"/ip4/0.0.0.0/tcp/0"}, "libp2p listen multiaddrs")
	cmd.Flags().StringVar(&f.PeersFile, "peers-file", "",
		fmt.Sprintf("path to the peer table (default %s)", filepath.Join("$"+HomeEnvVar, "peers.json")))
}

type roundFlags struct {
	RoundInitialTimeoutMs     uint64
	RoundTimeoutBackoffBase   float64
	RoundTimeoutBackoffMaxExp uint32
	ChannelSize               int
}

func (f *roundFlags) addRoundFlags(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&f.RoundInitialTimeoutMs, "round-initial-timeout", 1000, "initial round timeout (in ms)")
	cmd.Flags().Float64Var(&f.RoundTimeoutBackoffBase, "round-timeout-backoff-base", 1.2, "exponential round timeout backoff base")
	cmd.Flags().Uint32Var(&f.RoundTimeoutBackoffMaxExp, "round-timeout-backoff-max-exponent", 6, "maximum round timeout backoff exponent")
	cmd.Flags().IntVar(&f.ChannelSize, "channel-size", 1024, "network inbound channel buffer size")
	hideFlags(cmd, "channel-size")
}

type quorumStoreFlags struct {
	DecoupledExecution       bool
	UseQuorumStore           bool
	QuorumStorePollCount     uint64
	QuorumStorePullTimeoutMs uint64
}

func (f *quorumStoreFlags) addQuorumStoreFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.DecoupledExecution, "decoupled-execution", true, "enable/disable the decoupled ordering/execution/persisting pipeline")
	cmd.Flags().BoolVar(&f.UseQuorumStore, "use-quorum-store", true, "enable/disable the decoupled quorum store")
	cmd.Flags().Uint64Var(&f.QuorumStorePollCount, "quorum-store-poll-count", 20, "quorum store poll count (accepted but not read by any component)")
	cmd.Flags().Uint64Var(&f.QuorumStorePullTimeoutMs, "quorum-store-pull-timeout", 100, "quorum store pull timeout (in ms)")
}

// AddFlags registers every sub-flag-struct's pflags onto cmd.
func (f *NodeFlags) AddFlags(cmd *cobra.Command) {
	f.addHomeFlags(cmd)
	f.addKeyFlags(cmd)
	f.addDBFlags(cmd)
	f.addP2PFlags(cmd)
	f.addRoundFlags(cmd)
	f.addQuorumStoreFlags(cmd)
	f.addElectionFlags(cmd)
}

type electionFlags struct {
	ProposerElectionType string
}

func (f *electionFlags) addElectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ProposerElectionType, "proposer-election", "leader-reputation",
		"proposer election strategy: rotating, fixed, round-proposer, or leader-reputation")
}

// hideFlags marks names as hidden without failing the build if one of
// them is not yet registered.
func hideFlags(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if f := cmd.Flags().Lookup(name); f != nil {
			f.Hidden = true
		}
	}
}

func parseElectionType(s string) (types.ProposerElectionType, error) {
	switch s {
	case "rotating":
		return types.ProposerElectionRotating, nil
	case "fixed":
		return types.ProposerElectionFixed, nil
	case "round-proposer":
		return types.ProposerElectionRoundProposer, nil
	case "leader-reputation":
		return types.ProposerElectionLeaderReputation, nil
	default:
		return 0, fmt.Errorf("config: unknown proposer election type %q", s)
	}
}

// Build assembles a Config from the registered flags, layered over Default.
func (f *NodeFlags) Build() (*Config, error) {
	cfg := Default()
	cfg.Home = f.Home
	cfg.Self = types.Author(f.Self)

	cfg.KeyFile = f.KeyFile
	if cfg.KeyFile == "" && cfg.Home != "" {
		cfg.KeyFile = filepath.Join(cfg.Home, "key.json")
	}

	cfg.DBFile = f.DBFile
	if cfg.DBFile == "" && cfg.Home != "" {
		cfg.DBFile = filepath.Join(cfg.Home, nodeDBFileName)
	}
	if f.DBBackend != "" {
		cfg.DBBackend = f.DBBackend
	}

	cfg.ListenAddrs = f.ListenAddrs
	cfg.PeersFile = f.PeersFile
	if cfg.PeersFile == "" && cfg.Home != "" {
		cfg.PeersFile = filepath.Join(cfg.Home, "peers.json")
	}

	if f.RoundInitialTimeoutMs != 0 {
		cfg.RoundInitialTimeoutMs = f.RoundInitialTimeoutMs
	}
	if f.RoundTimeoutBackoffBase != 0 {
		cfg.RoundTimeoutBackoffBase = f.RoundTimeoutBackoffBase
	}
	cfg.RoundTimeoutBackoffMaxExp = uint(f.RoundTimeoutBackoffMaxExp)
	if f.ChannelSize != 0 {
		cfg.ChannelSize = f.ChannelSize
	}

	cfg.DecoupledExecution = f.DecoupledExecution
	cfg.UseQuorumStore = f.UseQuorumStore
	if f.QuorumStorePollCount != 0 {
		cfg.QuorumStorePollCount = f.QuorumStorePollCount
	}
	if f.QuorumStorePullTimeoutMs != 0 {
		cfg.QuorumStorePullTimeoutMs = f.QuorumStorePullTimeoutMs
	}

	electionType, err := parseElectionType(f.ProposerElectionType)
	if err != nil {
		return nil, err
	}
	cfg.ProposerElectionType = electionType

	return cfg, nil
}
