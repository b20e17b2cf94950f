// Package external holds the narrow contracts every out-of-scope
// collaborator is reached through: mempool, execution engine, ledger
// store, liveness storage and the reconfiguration stream.
// internal/testutils provides in-memory fakes of each for tests.
package external

import (
	"context"

	"github.com/quorumchain/validator/types"
)

// Mempool supplies candidate transactions and is notified once they
// commit ("pull_txns", "notify_committed").
type Mempool interface {
	PullTxns(ctx context.Context, maxCount uint64, maxBytes uint64) ([][]byte, error)
	NotifyCommitted(txns [][]byte)
}

// StateComputeResult is what the execution engine returns for a block: the
// resulting state id plus per-transaction status.
type StateComputeResult struct {
	StateHash    []byte
	TxnStatuses  []TxnStatus
}

// TxnStatus is the per-transaction execution outcome.
type TxnStatus int

const (
	TxnStatusKept TxnStatus = iota
	TxnStatusDiscarded
)

// ExecutionEngine executes a block's transactions against the ledger
// state and can be driven to a specific ledger state during state-sync.
type ExecutionEngine interface {
	Execute(ctx context.Context, parentStateHash []byte, block *types.BlockData, txns [][]byte) (*StateComputeResult, error)
	SyncTo(ctx context.Context, ledgerInfo *types.LedgerInfo) error
}

// LedgerStore persists committed blocks and ledger infos and answers
// epoch-ending queries used by cross-epoch leader reputation and recovery.
// SaveLedgerInfo is the persisting phase's finalization write, distinct
// from LivenessStorage.SaveBlock which persists pending (not yet
// committed) blocks for crash recovery.
type LedgerStore interface {
	GetLatestLedgerInfo() (*types.LedgerInfo, error)
	GetEpochEndingLedgerInfos(startEpoch, endEpoch types.Epoch) ([]*types.LedgerInfo, error)
	SaveLedgerInfo(ledgerInfo *types.LedgerInfo) error
}

// LivenessStorage is the durable store backing safety: votes, QCs,
// blocks, and the block tree snapshot. blockstore.PersistentStore is the
// narrower view of this same contract the block store actually consumes.
type LivenessStorage interface {
	Start() (*types.RecoveryData, error)
	SaveVote(vote *types.Vote) error
	SaveQC(qc *types.QuorumCert) error
	SaveBlock(block *types.BlockData, stateHash []byte) error
	SaveTree(recovery *types.FullRecoveryData) error
}

// OnChainConfigPayload is delivered whenever the reconfiguration source
// observes a new epoch.
type OnChainConfigPayload struct {
	Epoch      types.Epoch
	Validators *types.ValidatorSet
	Config     types.OnChainConsensusConfig
	LedgerInfo *types.LedgerInfo
}

// ReconfigStream is an async source of on-chain reconfiguration events,
// consumed by epoch.Manager to drive epoch transitions.
type ReconfigStream interface {
	Next(ctx context.Context) (*OnChainConfigPayload, error)
}
