package blockstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/types"
)

type memStore struct {
	blocks   map[uint64]*ExecutedBlock
	lastVote *types.Vote
	lastTC   *types.TimeoutCert
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[uint64]*ExecutedBlock)}
}

func (m *memStore) LoadBlocks() ([]*ExecutedBlock, error) {
	out := make([]*ExecutedBlock, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	return out, nil
}

func (m *memStore) WriteBlock(block *ExecutedBlock, root bool) error {
	m.blocks[block.GetRound()] = block
	return nil
}

func (m *memStore) WriteVote(vote *types.Vote) error { m.lastVote = vote; return nil }
func (m *memStore) ReadLastVote() (*types.Vote, error) { return m.lastVote, nil }
func (m *memStore) WriteTC(tc *types.TimeoutCert) error { m.lastTC = tc; return nil }
func (m *memStore) ReadLastTC() (*types.TimeoutCert, error) { return m.lastTC, nil }

type identityExecutor struct{}

func (identityExecutor) Execute(parentState []byte, block *types.BlockData) ([]byte, error) {
	return append(append([]byte{}, parentState...), byte(block.Round)), nil
}

func blockFor(round, parentRound uint64, parentStateHash []byte) *types.BlockData {
	return &types.BlockData{
		Round:   round,
		Payload: &types.Payload{},
		QC: &types.QuorumCert{
			VoteInfo: &types.RoundInfo{RoundNumber: parentRound, CurrentRootHash: parentStateHash},
		},
	}
}

func TestBlockTree_GenesisBootstrap(t *testing.T) {
	db := newMemStore()
	tree, err := NewBlockTree(db)
	require.NoError(t, err)
	require.Equal(t, uint64(0), tree.Root().GetRound())
	require.NotNil(t, tree.HighQc())
}

func TestBlockStore_AddRejectsMissingParent(t *testing.T) {
	db := newMemStore()
	store, err := New(db, identityExecutor{}, nil)
	require.NoError(t, err)

	_, err = store.Add(blockFor(5, 4, nil))
	require.ErrorContains(t, err, "parent round 4 not found")
}

func TestBlockStore_AddIsIdempotentForSameBlock(t *testing.T) {
	db := newMemStore()
	store, err := New(db, identityExecutor{}, nil)
	require.NoError(t, err)

	block := blockFor(1, 0, nil)
	h1, err := store.Add(block)
	require.NoError(t, err)

	h2, err := store.Add(block)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestBlockStore_AddRejectsConflictingBlockSameRound(t *testing.T) {
	db := newMemStore()
	store, err := New(db, identityExecutor{}, nil)
	require.NoError(t, err)

	_, err = store.Add(blockFor(1, 0, nil))
	require.NoError(t, err)

	conflicting := blockFor(1, 0, nil)
	conflicting.Author = "someone-else" // changes the content hash
	_, err = store.Add(conflicting)
	require.ErrorContains(t, err, "already in store")
}

func TestBlockStore_ProcessQcCommitsAndPrunes(t *testing.T) {
	db := newMemStore()
	store, err := New(db, identityExecutor{}, nil)
	require.NoError(t, err)

	_, err = store.Add(blockFor(1, 0, nil))
	require.NoError(t, err)
	b1, err := store.Block(1)
	require.NoError(t, err)
	_, err = store.Add(blockFor(2, 1, b1.StateHash))
	require.NoError(t, err)

	// QC for round 1, certifying it without committing anything
	qc1 := &types.QuorumCert{
		VoteInfo:         &types.RoundInfo{RoundNumber: 1, ParentRoundNumber: 0, CurrentRootHash: b1.StateHash},
		LedgerCommitInfo: &types.LedgerInfo{Round: 0}, // non-committing QC for round 1 itself
	}
	_, err = store.ProcessQc(qc1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), store.GetHighQc().GetRound())

	// QC for round 2 whose parent (round 1) now gets committed
	qc2 := &types.QuorumCert{
		VoteInfo:         &types.RoundInfo{RoundNumber: 2, ParentRoundNumber: 1},
		LedgerCommitInfo: &types.LedgerInfo{Round: 1, Hash: []byte("state-1")},
	}
	committed, err := store.ProcessQc(qc2)
	require.NoError(t, err)
	require.NotNil(t, committed)
	require.Equal(t, uint64(1), committed.GetRound())
	require.Equal(t, uint64(1), store.Root().GetRound())
}

func TestBlockStore_ProcessTcRemovesTimedOutLeaf(t *testing.T) {
	db := newMemStore()
	store, err := New(db, identityExecutor{}, nil)
	require.NoError(t, err)

	_, err = store.Add(blockFor(1, 0, nil))
	require.NoError(t, err)

	tc := &types.TimeoutCert{Round: 1}
	require.NoError(t, store.ProcessTc(tc))

	_, err = store.Block(1)
	require.Error(t, err)
}
