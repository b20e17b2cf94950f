package blockstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quorumchain/validator/types"
)

// BlockStore is the pending-block DAG plus the durable handles it
// needs for recovery.
type BlockStore struct {
	tree *BlockTree
	db   PersistentStore
	exec Executor
	lock sync.RWMutex
	log  *slog.Logger
}

// New constructs a BlockStore, bootstrapping a genesis tree if db is
// empty.
func New(db PersistentStore, exec Executor, log *slog.Logger) (*BlockStore, error) {
	if db == nil {
		return nil, errors.New("storage is nil")
	}
	tree, err := NewBlockTree(db)
	if err != nil {
		return nil, fmt.Errorf("initializing block tree: %w", err)
	}
	return &BlockStore{tree: tree, db: db, exec: exec, log: log}, nil
}

// NewFromRoot builds a BlockStore rooted at an already-known committed
// block, the full-recovery path (RecoveryData.Full).
func NewFromRoot(root *ExecutedBlock, db PersistentStore, exec Executor, log *slog.Logger) (*BlockStore, error) {
	if db == nil {
		return nil, errors.New("storage is nil")
	}
	tree, err := NewBlockTreeWithRootBlock(root, db)
	if err != nil {
		return nil, fmt.Errorf("creating block tree from recovery: %w", err)
	}
	return &BlockStore{tree: tree, db: db, exec: exec, log: log}, nil
}

// ProcessTc removes the (now un-committable) block for a round that timed
// out, and persists the TC for recovery.
func (x *BlockStore) ProcessTc(tc *types.TimeoutCert) (rErr error) {
	if tc == nil {
		return errors.New("tc is nil")
	}
	if err := x.db.WriteTC(tc); err != nil {
		rErr = fmt.Errorf("TC write failed: %w", err)
	}
	if err := x.tree.RemoveLeaf(tc.GetRound()); err != nil {
		return errors.Join(rErr, fmt.Errorf("removing timed-out block %d: %w", tc.GetRound(), err))
	}
	return rErr
}

// ProcessQc attaches qc to its block and, if it also carries a 3-chain
// commit, advances the tree's root.
func (x *BlockStore) ProcessQc(qc *types.QuorumCert) (*ExecutedBlock, error) {
	if qc == nil {
		return nil, errors.New("qc is nil")
	}
	if x.GetHighQc().GetRound() >= qc.GetRound() {
		return nil, nil // stale
	}
	if err := x.tree.InsertQc(qc); err != nil {
		return nil, fmt.Errorf("inserting QC into block tree: %w", err)
	}
	if !qc.CommitsBlock() || qc.GetRound() == types.GenesisRound {
		return nil, nil
	}
	committed, err := x.tree.Commit(qc)
	if err != nil {
		return nil, fmt.Errorf("committing new root block: %w", err)
	}
	return committed, nil
}

// Add executes and inserts a newly-proposed block as a pending leaf,
// returning the resulting state hash. Idempotent: re-adding an
// already-known block for the same round returns its existing state hash
// rather than erroring, since recovery may re-submit it.
func (x *BlockStore) Add(block *types.BlockData) ([]byte, error) {
	if b, err := x.tree.FindBlock(block.GetRound()); err == nil && b != nil {
		existingID, err := b.BlockData.ID()
		if err != nil {
			return nil, fmt.Errorf("hashing existing block: %w", err)
		}
		newID, err := block.ID()
		if err != nil {
			return nil, fmt.Errorf("hashing new block: %w", err)
		}
		if bytes.Equal(existingID[:], newID[:]) {
			return b.StateHash, nil
		}
		return nil, fmt.Errorf("different block for round %d is already in store", block.Round)
	}

	parent, err := x.tree.FindBlock(block.GetParentRound())
	if err != nil {
		return nil, fmt.Errorf("parent round %d not found, recovery needed: %w", block.GetParentRound(), err)
	}
	executed, err := parent.Extend(block, x.exec)
	if err != nil {
		return nil, fmt.Errorf("processing block round %d: %w", block.Round, err)
	}
	if err := x.tree.Add(executed); err != nil {
		return nil, fmt.Errorf("adding block to tree: %w", err)
	}
	return executed.StateHash, nil
}

// GetHighQc returns the highest-round QC known to the block tree.
func (x *BlockStore) GetHighQc() *types.QuorumCert {
	return x.tree.HighQc()
}

// GetLastTC returns the most recently persisted timeout certificate.
func (x *BlockStore) GetLastTC() (*types.TimeoutCert, error) {
	return x.db.ReadLastTC()
}

// Block returns the pending or root block stored for round.
func (x *BlockStore) Block(round uint64) (*ExecutedBlock, error) {
	return x.tree.FindBlock(round)
}

// Root returns the current committed root block.
func (x *BlockStore) Root() *ExecutedBlock {
	x.lock.RLock()
	defer x.lock.RUnlock()
	return x.tree.Root()
}

// PendingBlocks returns every block not yet pruned behind commit, used to
// build RecoveryData and SyncInfo responses.
func (x *BlockStore) PendingBlocks() []*ExecutedBlock {
	return x.tree.GetAllUncommittedNodes()
}

// StoreLastVote persists the last vote cast by this node, so it is never
// re-cast after a restart (at most one vote per round).
func (x *BlockStore) StoreLastVote(vote *types.Vote) error {
	return x.db.WriteVote(vote)
}

// ReadLastVote returns the last vote cast by this node, if any.
func (x *BlockStore) ReadLastVote() (*types.Vote, error) {
	return x.db.ReadLastVote()
}

// RecoveryData builds the recovery snapshot handed to a freshly started
// round manager (RecoveryData).
func (x *BlockStore) RecoveryData() (*types.FullRecoveryData, error) {
	lastVote, err := x.ReadLastVote()
	if err != nil {
		return nil, fmt.Errorf("reading last vote: %w", err)
	}

	pending := x.PendingBlocks()
	blocks := make([]*types.BlockData, len(pending))
	qcs := make([]*types.QuorumCert, 0, len(pending)+1)
	for i, b := range pending {
		blocks[i] = b.BlockData
		if b.QC != nil {
			qcs = append(qcs, b.QC)
		}
	}

	return &types.FullRecoveryData{
		RootBlock: x.Root().BlockData,
		LastVote:  lastVote,
		Pending:   blocks,
		QCs:       qcs,
	}, nil
}
