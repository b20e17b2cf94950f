// Package blockstore implements a pending-block DAG rooted at the
// last committed block, with quorum certificates chaining rounds and
// PoS-payload execution results tracked per block.
package blockstore

import (
	"fmt"

	"github.com/quorumchain/validator/types"
)

// ExecutedBlock pairs a proposed block with the execution result it
// produced once applied on top of its parent's state, plus whatever
// certificates have since accumulated for it.
type ExecutedBlock struct {
	BlockData *types.BlockData
	StateHash []byte // resulting state root after executing BlockData on the parent
	QC        *types.QuorumCert // this block's own QC, once voted into existence (next round's vote)
	CommitQC  *types.QuorumCert // set once a descendant's QC also commits this block
}

// GetRound returns the block's round, tolerating a nil receiver.
func (x *ExecutedBlock) GetRound() uint64 {
	if x == nil {
		return 0
	}
	return x.BlockData.GetRound()
}

// GetParentRound returns the round of the block this one extends.
func (x *ExecutedBlock) GetParentRound() uint64 {
	if x == nil {
		return 0
	}
	return x.BlockData.GetParentRound()
}

// ID returns the block's content hash.
func (x *ExecutedBlock) ID() (types.Digest, error) {
	return x.BlockData.ID()
}

// Executor applies a proposed block's payload on top of a parent's state
// and returns the resulting state hash, the collaborator named
// external.ExecutionEngine at the consensus boundary.
type Executor interface {
	Execute(parentState []byte, block *types.BlockData) ([]byte, error)
}

// Extend executes newBlock against x's resulting state, producing the
// ExecutedBlock that will become its child node in the tree.
func (x *ExecutedBlock) Extend(newBlock *types.BlockData, exec Executor) (*ExecutedBlock, error) {
	stateHash, err := exec.Execute(x.StateHash, newBlock)
	if err != nil {
		return nil, fmt.Errorf("executing block round %d: %w", newBlock.Round, err)
	}
	return &ExecutedBlock{
		BlockData: newBlock,
		StateHash: stateHash,
	}, nil
}

// NewGenesisBlock builds the sentinel round-0 block that is its own QC and
// commit certificate, so the block tree always has a valid root even
// before any real round has completed ("Block"/"QuorumCert").
func NewGenesisBlock() (*ExecutedBlock, error) {
	genesis := &types.BlockData{
		Epoch:   types.GenesisEpoch,
		Round:   types.GenesisRound,
		Payload: &types.Payload{},
	}

	commitRoundInfo := &types.RoundInfo{
		Epoch:       genesis.Epoch,
		RoundNumber: genesis.Round,
	}
	commitInfoHash, err := types.HashOf(commitRoundInfo)
	if err != nil {
		return nil, fmt.Errorf("hashing genesis round info: %w", err)
	}

	commitQC := &types.QuorumCert{
		VoteInfo: commitRoundInfo,
		LedgerCommitInfo: &types.LedgerInfo{
			Epoch:        genesis.Epoch,
			Round:        genesis.Round,
			Hash:         nil,
			PreviousHash: commitInfoHash[:],
		},
	}
	genesis.QC = commitQC

	return &ExecutedBlock{
		BlockData: genesis,
		StateHash: nil,
		QC:        commitQC,
		CommitQC:  commitQC,
	}, nil
}
