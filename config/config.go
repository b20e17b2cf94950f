// Package config is the flat, flag/file-friendly configuration struct
// cmd/validatornode populates and consensusprovider.Start consumes: the
// round timeout backoff schedule, channel sizing, mempool pull tuning,
// quorum store tuning, and proposer election selection.
package config

import (
	"fmt"
	"time"

	"github.com/quorumchain/validator/leader"
	"github.com/quorumchain/validator/types"
)

const (
	// HomeEnvVar names the environment variable the default file paths
	// below (key file, db, peers file) are resolved relative to.
	HomeEnvVar = "VALIDATOR_HOME"

	nodeDBFileName = "node.db"
)

// Config is the complete set of a validator node's tunables. Every field
// corresponds to one entry in the configuration list: round timeout
// backoff, channel sizing, mempool/quorum-store pull tuning, the
// decoupled quorum store toggle, pruning and sending limits, safety
// rules storage, and proposer election selection.
type Config struct {
	// Home is the directory KeyFile/DBFile/PeersFile default under when
	// left unset, resolved from --home or $VALIDATOR_HOME by NodeFlags.Build.
	Home string
	Self types.Author

	KeyFile string

	DBFile    string
	DBBackend string // "bolt", "badger", or "memory"

	ListenAddrs []string
	PeersFile   string

	// Round timeout backoff ("round_initial_timeout_ms",
	// "round_timeout_backoff_exponent_base",
	// "round_timeout_backoff_max_exponent").
	RoundInitialTimeoutMs        uint64
	RoundTimeoutBackoffBase      float64
	RoundTimeoutBackoffMaxExp    uint

	// Channel sizing ("channel_size", "intra_consensus_channel_buffer_size").
	ChannelSize                     int
	IntraConsensusChannelBufferSize int

	// Mempool pull tuning ("mempool_txn_pull_timeout_ms",
	// "mempool_executed_txn_timeout_ms"). Carried for configuration-surface
	// completeness; directMempoolPayloadSource.PullPayload calls
	// external.Mempool.PullTxns synchronously with no timeout of its own,
	// since this module's Mempool is the simple FIFO queue cmd/validatornode
	// wires in rather than a real gossiping mempool with its own
	// backpressure, so neither field currently reaches a collaborator.
	MempoolTxnPullTimeoutMs      uint64
	MempoolExecutedTxnTimeoutMs uint64

	// DecoupledExecution toggles the decoupled pipeline's separate
	// ordering/execution/persisting pipeline versus inline per-round
	// execution, carried the same way UseQuorumStore is, since both
	// select between two wired epoch.Manager code paths rather than one
	// being a stub.
	DecoupledExecution bool

	// Quorum store tuning ("use_quorum_store", "quorum_store_poll_count",
	// "quorum_store_pull_timeout_ms"). QuorumStorePollCount has no wired
	// destination: quorumStorePayloadSource.PullPayload bounds its proof
	// selection by the proposal's txn/byte budget (MaxSendingBlockTxns/
	// MaxSendingBlockBytes) rather than a discrete proof count, so there is
	// no collaborator call site for a separate per-pull proof cap.
	UseQuorumStore           bool
	QuorumStorePollCount     uint64
	QuorumStorePullTimeoutMs uint64
	NumListenerShards        uint32
	MaxBatchBytes            uint64
	FragmentBytes            uint64
	MaxLivePoS               uint64
	ProofTimeoutMs           uint64
	BatchExpiryRounds        uint64
	StoreMaxMemBytes         uint64

	// Block pruning and proposal sizing ("max_pruned_blocks_in_mem",
	// "max_sending_block_txns", "max_sending_block_bytes").
	// MaxPrunedBlocksInMem has no wired destination: blockstore.BlockTree
	// prunes exactly the ancestors below each QC's new committed root
	// (findBlocksToPrune), an unbounded exact policy with no equivalent
	// "keep at most N pruned blocks in memory" cache to size.
	MaxPrunedBlocksInMem uint64
	MaxSendingBlockTxns  uint64
	MaxSendingBlockBytes uint64

	// SafetyRulesBackend names the watermark storage backend
	// ("safety_rules.backend"). Only "local" (the DB this process already
	// owns) is implemented; "vault"/"in-process-signer" are named in the
	// upstream original's config surface but have no collaborator in this
	// module, so selecting them is a configuration error rather than a
	// silent fallback.
	SafetyRulesBackend string

	// Proposer election ("proposer_election_type",
	// "leader_reputation_exclude_round", "max_failed_authors_to_store").
	// LeaderReputationExcludeRound has no wired destination: it sizes a
	// history-seek buffer for an async, replicated-DB-backed reputation
	// source in the upstream original; leader.Reputation reads its window
	// synchronously from the local block store instead, so there is no
	// equivalent seek-length to configure.
	ProposerElectionType        types.ProposerElectionType
	LeaderReputationExcludeRound uint64
	MaxFailedAuthorsToStore      int
	ElectionContiguousRounds     uint64
	RoundProposerTable           map[uint64]types.Author
	RoundProposerFallback        types.Author
	Reputation                   leader.ReputationConfig

	RequestTimeoutMs uint64
}

// Default returns a Config populated with the same constants
// consensusprovider.applyDefaults falls back to, so a node can start
// from nothing but a key file and a peer list.
func Default() *Config {
	return &Config{
		DBBackend: "bolt",

		DecoupledExecution: true,

		RoundInitialTimeoutMs:     1000,
		RoundTimeoutBackoffBase:   1.2,
		RoundTimeoutBackoffMaxExp: 6,

		ChannelSize:                     1024,
		IntraConsensusChannelBufferSize: 64,

		MempoolTxnPullTimeoutMs:     50,
		MempoolExecutedTxnTimeoutMs: 1000,

		UseQuorumStore:           true,
		QuorumStorePollCount:     20,
		QuorumStorePullTimeoutMs: 100,
		NumListenerShards:        4,
		MaxBatchBytes:            4 << 20,
		FragmentBytes:            64 << 10,
		MaxLivePoS:               50,
		ProofTimeoutMs:           500,
		BatchExpiryRounds:        50,
		StoreMaxMemBytes:         256 << 20,

		MaxPrunedBlocksInMem: 100,
		MaxSendingBlockTxns:  1000,
		MaxSendingBlockBytes: 1 << 20,

		SafetyRulesBackend: "local",

		ProposerElectionType:         types.ProposerElectionLeaderReputation,
		LeaderReputationExcludeRound: 10,
		MaxFailedAuthorsToStore:      10,
		ElectionContiguousRounds:     1,
		Reputation: leader.ReputationConfig{
			ProposerWindowMultiplier: 10,
			VoterWindowMultiplier:    20,
			FailureThresholdPercent:  10,
			ActiveWeight:             1000,
			InactiveWeight:           10,
			FailedWeight:             1,
			UseVotingPower:           true,
			UseHistoryFromPrevEpochs: 10,
		},

		RequestTimeoutMs: 5000,
	}
}

// Validate rejects configurations that cannot be assembled into a
// running node, independent of the collaborators consensusprovider.
// Config.validate checks once those collaborators are built.
func (c *Config) Validate() error {
	if c.Self == "" {
		return fmt.Errorf("config: self author is required")
	}
	if c.KeyFile == "" {
		return fmt.Errorf("config: key-file is required")
	}
	switch c.DBBackend {
	case "bolt", "badger", "memory":
	default:
		return fmt.Errorf("config: unknown db-backend %q", c.DBBackend)
	}
	if c.SafetyRulesBackend != "local" {
		return fmt.Errorf("config: safety-rules-backend %q has no collaborator in this module, only \"local\" is implemented", c.SafetyRulesBackend)
	}
	if len(c.ListenAddrs) == 0 {
		return fmt.Errorf("config: at least one listen address is required")
	}
	return nil
}

// RoundInitialTimeout converts RoundInitialTimeoutMs for
// consensusprovider.Config, which takes a time.Duration rather than a
// millisecond count.
func (c *Config) RoundInitialTimeout() time.Duration {
	return time.Duration(c.RoundInitialTimeoutMs) * time.Millisecond
}

// ProofTimeout converts ProofTimeoutMs for consensusprovider.Config.
func (c *Config) ProofTimeout() time.Duration {
	return time.Duration(c.ProofTimeoutMs) * time.Millisecond
}

// PullInterval converts QuorumStorePullTimeoutMs for
// consensusprovider.Config's PullInterval field, the batch requester's
// poll cadence.
func (c *Config) PullInterval() time.Duration {
	return time.Duration(c.QuorumStorePullTimeoutMs) * time.Millisecond
}

// RequestTimeout converts RequestTimeoutMs for network/libp2pnet.Config.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}
