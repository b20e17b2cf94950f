package blockstore

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/quorumchain/validator/types"
)

// PersistentStore is the durable backing for the block tree: saved votes,
// QCs, blocks and the pending tree itself survive a restart.
type PersistentStore interface {
	LoadBlocks() ([]*ExecutedBlock, error)
	WriteBlock(block *ExecutedBlock, root bool) error
	WriteVote(vote *types.Vote) error
	ReadLastVote() (*types.Vote, error)
	WriteTC(tc *types.TimeoutCert) error
	ReadLastTC() (*types.TimeoutCert, error)
}

// ErrCommitFailed wraps failures to commit a new root block.
var ErrCommitFailed = errors.New("commit failed")

type node struct {
	data  *ExecutedBlock
	child []*node
}

func newNode(b *ExecutedBlock) *node {
	return &node{data: b, child: make([]*node, 0, 2)}
}

func (n *node) addChild(child *node) {
	n.child = append(n.child, child)
}

func (n *node) removeChild(child *node) {
	for i, c := range n.child {
		if c == child {
			n.child = slices.Delete(n.child, i, i+1)
			break
		}
	}
}

// BlockTree is the pending-block DAG: a root (last committed block) with
// children fanning out per round, indexed for O(1) round lookup.
type BlockTree struct {
	root        *node
	roundToNode map[uint64]*node
	highQC      *types.QuorumCert
	db          PersistentStore
	m           sync.RWMutex
}

// NewBlockTreeWithRootBlock builds a tree rooted at block, used on
// recovery once the last committed block is known.
func NewBlockTreeWithRootBlock(block *ExecutedBlock, db PersistentStore) (*BlockTree, error) {
	if err := db.WriteBlock(block, true); err != nil {
		return nil, fmt.Errorf("writing root block: %w", err)
	}
	root := newNode(block)
	return &BlockTree{
		roundToNode: map[uint64]*node{root.data.GetRound(): root},
		root:        root,
		highQC:      block.CommitQC,
		db:          db,
	}, nil
}

// NewBlockTree loads persisted blocks and reconstructs the tree, or seeds
// a fresh genesis tree if the store is empty (fresh bootstrap).
func NewBlockTree(db PersistentStore) (*BlockTree, error) {
	if db == nil {
		return nil, fmt.Errorf("block tree init failed, database is nil")
	}
	blocks, err := db.LoadBlocks()
	if err != nil {
		return nil, fmt.Errorf("loading blocks: %w", err)
	}
	if len(blocks) == 0 {
		genesis, err := NewGenesisBlock()
		if err != nil {
			return nil, fmt.Errorf("creating genesis block: %w", err)
		}
		return NewBlockTreeWithRootBlock(genesis, db)
	}

	rootIdx := slices.IndexFunc(blocks, func(b *ExecutedBlock) bool { return b.CommitQC != nil })
	if rootIdx == -1 {
		return nil, errors.New("root block not found")
	}
	root := newNode(blocks[rootIdx])
	highQC := root.data.CommitQC
	treeNodes := map[uint64]*node{root.data.GetRound(): root}
	for i := rootIdx - 1; i >= 0; i-- {
		block := blocks[i]
		parent, found := treeNodes[block.GetParentRound()]
		if !found {
			return nil, fmt.Errorf("cannot add block for round %d, parent block %d not found", block.GetRound(), block.GetParentRound())
		}
		n := newNode(block)
		treeNodes[block.GetRound()] = n
		parent.addChild(n)
		if n.data.QC.GetRound() > highQC.GetRound() {
			highQC = n.data.QC
		}
	}

	return &BlockTree{
		roundToNode: treeNodes,
		root:        root,
		highQC:      highQC,
		db:          db,
	}, nil
}

// InsertQc attaches qc to the block it certifies, rejecting a state-hash
// mismatch (the local execution result must match the quorum's agreed
// hash).
func (bt *BlockTree) InsertQc(qc *types.QuorumCert) error {
	b, err := bt.FindBlock(qc.GetRound())
	if err != nil {
		return fmt.Errorf("find block: %w", err)
	}
	if qc.VoteInfo.CurrentRootHash != nil && !bytes.Equal(b.StateHash, qc.VoteInfo.CurrentRootHash) {
		return errors.New("qc state hash differs from locally computed state hash")
	}

	bt.m.Lock()
	defer bt.m.Unlock()

	b.QC = qc
	if err := bt.db.WriteBlock(b, false); err != nil {
		return fmt.Errorf("persisting block round %d: %w", b.GetRound(), err)
	}
	bt.highQC = qc
	return nil
}

// HighQc returns the highest-round QC the tree has seen.
func (bt *BlockTree) HighQc() *types.QuorumCert {
	bt.m.Lock()
	defer bt.m.Unlock()
	return bt.highQC
}

// Add inserts a new leaf, rejecting a round that already exists or whose
// parent round is missing (the caller must recover first).
func (bt *BlockTree) Add(block *ExecutedBlock) error {
	bt.m.Lock()
	defer bt.m.Unlock()

	if _, found := bt.roundToNode[block.GetRound()]; found {
		return fmt.Errorf("block for round %d already exists", block.GetRound())
	}
	parent, found := bt.roundToNode[block.GetParentRound()]
	if !found {
		return fmt.Errorf("cannot add block for round %d, parent block %d not found", block.GetRound(), block.GetParentRound())
	}
	n := newNode(block)
	parent.addChild(n)
	bt.roundToNode[block.GetRound()] = n
	return bt.db.WriteBlock(n.data, false)
}

// RemoveLeaf removes a leaf node (used when a round times out without a
// QC, so its block can never be committed).
func (bt *BlockTree) RemoveLeaf(round uint64) error {
	bt.m.Lock()
	defer bt.m.Unlock()

	if bt.root.data.GetRound() == round {
		return errors.New("root block cannot be removed")
	}
	n, found := bt.roundToNode[round]
	if !found {
		return nil
	}
	if len(n.child) > 0 {
		return fmt.Errorf("round %d is not a leaf node", round)
	}
	parent, found := bt.roundToNode[n.data.GetParentRound()]
	if !found {
		return fmt.Errorf("parent block %d not found", n.data.GetParentRound())
	}
	delete(bt.roundToNode, round)
	parent.removeChild(n)
	return nil
}

// Root returns the current root (highest committed) block.
func (bt *BlockTree) Root() *ExecutedBlock {
	bt.m.Lock()
	defer bt.m.Unlock()
	return bt.root.data
}

func (bt *BlockTree) allUncommittedNodes() []*ExecutedBlock {
	blocks := make([]*ExecutedBlock, 0, 2)
	toCheck := append([]*node{}, bt.root.child...)
	for len(toCheck) > 0 {
		var n *node
		n, toCheck = toCheck[len(toCheck)-1], toCheck[:len(toCheck)-1]
		toCheck = append(toCheck, n.child...)
		blocks = append(blocks, n.data)
	}
	return blocks
}

// GetAllUncommittedNodes returns every pending block not yet pruned into
// the committed root.
func (bt *BlockTree) GetAllUncommittedNodes() []*ExecutedBlock {
	bt.m.Lock()
	defer bt.m.Unlock()
	return bt.allUncommittedNodes()
}

func (bt *BlockTree) findBlocksToPrune(newRootRound uint64) ([]uint64, error) {
	pruned := make([]uint64, 0, 2)
	if newRootRound == bt.root.data.GetRound() {
		return pruned, nil
	}
	toCheck := []*node{bt.root}
	found := false
	for len(toCheck) > 0 {
		var n *node
		n, toCheck = toCheck[len(toCheck)-1], toCheck[:len(toCheck)-1]
		for _, child := range n.child {
			if child.data.GetRound() == newRootRound {
				found = true
				continue
			}
			toCheck = append(toCheck, child)
		}
		pruned = append(pruned, n.data.GetRound())
	}
	if !found {
		return nil, fmt.Errorf("new root round %d not found", newRootRound)
	}
	return pruned, nil
}

// FindBlock returns the block stored for round, or an error if missing.
func (bt *BlockTree) FindBlock(round uint64) (*ExecutedBlock, error) {
	bt.m.Lock()
	defer bt.m.Unlock()
	if b, found := bt.roundToNode[round]; found {
		return b.data, nil
	}
	return nil, fmt.Errorf("block for round %d not found", round)
}

// Commit moves the root of the tree to the block commitQC's parent
// certifies, pruning the old root and every block that does not descend
// from the new root ("Blocks live until pruned by the block store's
// moving window behind commit").
func (bt *BlockTree) Commit(commitQC *types.QuorumCert) (*ExecutedBlock, error) {
	bt.m.Lock()
	defer bt.m.Unlock()

	commitRound := commitQC.GetParentRound()
	commitNode, found := bt.roundToNode[commitRound]
	if !found {
		return nil, errors.Join(ErrCommitFailed, fmt.Errorf("block for round %d not found", commitRound))
	}

	blocksToPrune, err := bt.findBlocksToPrune(commitRound)
	if err != nil {
		return nil, fmt.Errorf("finding blocks to prune for round %d: %w", commitRound, err)
	}
	for _, round := range blocksToPrune {
		delete(bt.roundToNode, round)
	}

	commitNode.data.CommitQC = commitQC
	if err := bt.db.WriteBlock(commitNode.data, true); err != nil {
		return nil, fmt.Errorf("persisting committed root: %w", err)
	}

	bt.root = commitNode
	return commitNode.data, nil
}
