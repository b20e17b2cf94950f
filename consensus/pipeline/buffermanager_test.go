package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/types"
)

type fakeValidators struct {
	power        map[types.Author]uint64
	threshold    uint64
	rejectAuthor types.Author
}

func (v *fakeValidators) QuorumThreshold() uint64               { return v.threshold }
func (v *fakeValidators) VotingPower(a types.Author) uint64     { return v.power[a] }
func (v *fakeValidators) VerifyCommitVote(msg *types.CommitVoteMsg) error {
	if v.rejectAuthor != "" && msg.Author == v.rejectAuthor {
		return errors.New("bad signature")
	}
	return nil
}

type fakeDecisionBroadcaster struct {
	decisions []*types.CommitDecisionMsg
}

func (b *fakeDecisionBroadcaster) BroadcastCommitDecision(msg *types.CommitDecisionMsg) error {
	b.decisions = append(b.decisions, msg)
	return nil
}

func testBlock(round uint64) *types.BlockData {
	return &types.BlockData{Epoch: 1, Round: round, Payload: &types.Payload{InlineTxns: [][]byte{[]byte("tx")}}}
}

func TestBufferManager_QuorumPersistsAndBroadcastsDecision(t *testing.T) {
	v := &fakeValidators{power: map[types.Author]uint64{"a": 1, "b": 1, "c": 1}, threshold: 2}
	decisions := &fakeDecisionBroadcaster{}
	persistCh := make(chan *persistRequest, 1)
	bm := NewBufferManager(v, decisions, persistCh, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bm.Run(ctx)

	block := testBlock(5)
	id, err := block.ID()
	require.NoError(t, err)
	stateHash := []byte("state-5")

	bm.RegisterBlock(block)
	bm.MarkExecuted(id, block.Payload.InlineTxns, stateHash)
	bm.HandleCommitVote(&types.CommitVoteMsg{Epoch: 1, BlockID: id, Round: 5, StateHash: stateHash, Author: "a", Signature: []byte("sig-a")})
	bm.HandleCommitVote(&types.CommitVoteMsg{Epoch: 1, BlockID: id, Round: 5, StateHash: stateHash, Author: "b", Signature: []byte("sig-b")})

	select {
	case req := <-persistCh:
		require.Equal(t, uint64(5), req.Decision.LedgerInfo.Round)
		require.Equal(t, stateHash, req.Decision.LedgerInfo.Hash)
		require.ElementsMatch(t, []types.Author{"a", "b"}, req.Decision.Signers)
	case <-time.After(time.Second):
		t.Fatal("quorum should have produced a persist request")
	}
	require.Len(t, decisions.decisions, 1)
}

func TestBufferManager_DuplicateAuthorDoesNotDoubleCount(t *testing.T) {
	v := &fakeValidators{power: map[types.Author]uint64{"a": 1, "b": 1, "c": 1}, threshold: 2}
	decisions := &fakeDecisionBroadcaster{}
	persistCh := make(chan *persistRequest, 1)
	bm := NewBufferManager(v, decisions, persistCh, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bm.Run(ctx)

	block := testBlock(6)
	id, err := block.ID()
	require.NoError(t, err)

	bm.RegisterBlock(block)
	bm.MarkExecuted(id, nil, []byte("state-6"))
	bm.HandleCommitVote(&types.CommitVoteMsg{Epoch: 1, BlockID: id, Round: 6, Author: "a", Signature: []byte("sig-a-1")})
	bm.HandleCommitVote(&types.CommitVoteMsg{Epoch: 1, BlockID: id, Round: 6, Author: "a", Signature: []byte("sig-a-2")})

	select {
	case <-persistCh:
		t.Fatal("a single author's repeated vote must not reach quorum")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBufferManager_RejectsInvalidSignatureWithoutCrashing(t *testing.T) {
	v := &fakeValidators{power: map[types.Author]uint64{"a": 1, "b": 1}, threshold: 2, rejectAuthor: "a"}
	decisions := &fakeDecisionBroadcaster{}
	persistCh := make(chan *persistRequest, 1)
	bm := NewBufferManager(v, decisions, persistCh, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bm.Run(ctx)

	block := testBlock(7)
	id, err := block.ID()
	require.NoError(t, err)
	bm.RegisterBlock(block)
	bm.MarkExecuted(id, nil, []byte("state-7"))
	bm.HandleCommitVote(&types.CommitVoteMsg{Epoch: 1, BlockID: id, Round: 7, Author: "a", Signature: []byte("bad")})
	bm.HandleCommitVote(&types.CommitVoteMsg{Epoch: 1, BlockID: id, Round: 7, Author: "b", Signature: []byte("ok")})

	select {
	case <-persistCh:
		t.Fatal("rejected author's vote must not count toward quorum")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBufferManager_ResetDrainsPendingAccumulators(t *testing.T) {
	v := &fakeValidators{power: map[types.Author]uint64{"a": 1, "b": 1}, threshold: 2}
	decisions := &fakeDecisionBroadcaster{}
	persistCh := make(chan *persistRequest, 1)
	bm := NewBufferManager(v, decisions, persistCh, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bm.Run(ctx)

	block := testBlock(8)
	id, err := block.ID()
	require.NoError(t, err)
	bm.RegisterBlock(block)
	bm.MarkExecuted(id, nil, []byte("state-8"))

	bm.Reset(false)

	bm.HandleCommitVote(&types.CommitVoteMsg{Epoch: 1, BlockID: id, Round: 8, Author: "a", Signature: []byte("sig-a")})
	bm.HandleCommitVote(&types.CommitVoteMsg{Epoch: 1, BlockID: id, Round: 8, Author: "b", Signature: []byte("sig-b")})

	select {
	case <-persistCh:
		t.Fatal("votes for a block reset before quorum must be dropped, not resurrected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBufferManager_ResetStopTerminatesRun(t *testing.T) {
	v := &fakeValidators{power: map[types.Author]uint64{"a": 1}, threshold: 1}
	decisions := &fakeDecisionBroadcaster{}
	persistCh := make(chan *persistRequest, 1)
	bm := NewBufferManager(v, decisions, persistCh, nil)

	done := make(chan struct{})
	go func() {
		bm.Run(context.Background())
		close(done)
	}()

	bm.Reset(true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should have returned after a Stop reset")
	}
}
