package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/crypto"
	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/types"
)

type fakeExecutionEngine struct{}

func (fakeExecutionEngine) Execute(ctx context.Context, parentStateHash []byte, block *types.BlockData, txns [][]byte) (*external.StateComputeResult, error) {
	return &external.StateComputeResult{StateHash: append(append([]byte{}, parentStateHash...), byte(block.Round))}, nil
}

func (fakeExecutionEngine) SyncTo(ctx context.Context, ledgerInfo *types.LedgerInfo) error { return nil }

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, payload *types.Payload) ([][]byte, error) {
	return payload.InlineTxns, nil
}

type fakeLedgerStore struct {
	mu    sync.Mutex
	saved []*types.LedgerInfo
}

func (l *fakeLedgerStore) GetLatestLedgerInfo() (*types.LedgerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.saved) == 0 {
		return nil, nil
	}
	return l.saved[len(l.saved)-1], nil
}

func (l *fakeLedgerStore) GetEpochEndingLedgerInfos(start, end types.Epoch) ([]*types.LedgerInfo, error) {
	return nil, nil
}

func (l *fakeLedgerStore) SaveLedgerInfo(li *types.LedgerInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = append(l.saved, li)
	return nil
}

func (l *fakeLedgerStore) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.saved)
}

type fakePipelineMempool struct {
	mu        sync.Mutex
	committed [][][]byte
}

func (fakePipelineMempool) PullTxns(ctx context.Context, maxCount, maxBytes uint64) ([][]byte, error) {
	return nil, nil
}

func (m *fakePipelineMempool) NotifyCommitted(txns [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, txns)
}

type noopCommitVoteBroadcaster struct{}

func (noopCommitVoteBroadcaster) BroadcastCommitVote(*types.CommitVoteMsg) error { return nil }

type noopCommitDecisionBroadcaster struct{}

func (noopCommitDecisionBroadcaster) BroadcastCommitDecision(*types.CommitDecisionMsg) error {
	return nil
}

// testCommitValidators verifies commit-vote signatures the same way
// signing.go produces them, so the integration test exercises the real
// sign/verify round trip rather than a stub.
type testCommitValidators struct {
	power     map[types.Author]uint64
	threshold uint64
	verifiers map[types.Author]crypto.Verifier
}

func (v *testCommitValidators) QuorumThreshold() uint64           { return v.threshold }
func (v *testCommitValidators) VotingPower(a types.Author) uint64 { return v.power[a] }

func (v *testCommitValidators) VerifyCommitVote(msg *types.CommitVoteMsg) error {
	verifier, ok := v.verifiers[msg.Author]
	if !ok {
		return fmt.Errorf("unknown author %s", msg.Author)
	}
	payload, err := types.MarshalCanonical(&commitVoteSignPayload{
		Epoch:     msg.Epoch,
		BlockID:   msg.BlockID,
		Round:     msg.Round,
		StateHash: msg.StateHash,
		Author:    msg.Author,
	})
	if err != nil {
		return err
	}
	return verifier.VerifyBytes(payload, msg.Signature)
}

func TestPipeline_EndToEndCommitsBlock(t *testing.T) {
	author := types.Author("solo")
	signer, err := crypto.NewInMemorySigner()
	require.NoError(t, err)
	verifier, err := signer.Verifier()
	require.NoError(t, err)

	validators := &testCommitValidators{
		power:     map[types.Author]uint64{author: 1},
		threshold: 1,
		verifiers: map[types.Author]crypto.Verifier{author: verifier},
	}
	ledger := &fakeLedgerStore{}
	mempool := &fakePipelineMempool{}
	committed := make(chan *types.LedgerInfo, 1)

	p := New(Config{
		Self:            author,
		Signer:          signer,
		Engine:          fakeExecutionEngine{},
		Resolver:        fakeResolver{},
		Ledger:          ledger,
		Mempool:         mempool,
		Validators:      validators,
		CommitVotes:     noopCommitVoteBroadcaster{},
		CommitDecisions: noopCommitDecisionBroadcaster{},
		OnCommit: func(li *types.LedgerInfo, b *types.BlockData) {
			committed <- li
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	block := &types.BlockData{Epoch: 1, Round: 7, Author: author, Payload: &types.Payload{InlineTxns: [][]byte{[]byte("tx")}}}
	p.Submit(block)

	select {
	case li := <-committed:
		require.Equal(t, uint64(7), li.Round)
	case <-time.After(2 * time.Second):
		t.Fatal("block was not committed in time")
	}
	require.Equal(t, 1, ledger.count())
	require.Len(t, mempool.committed, 1)
}

// loopbackCommitVotes forwards a broadcast CommitVoteMsg to every peer
// pipeline's inbound handler, standing in for network/libp2pnet in tests
// (mirrors consensus/roundmanager_test.go's loopbackNetwork).
type loopbackCommitVotes struct {
	mu    sync.Mutex
	peers map[types.Author]*Pipeline
	self  types.Author
}

func (b *loopbackCommitVotes) BroadcastCommitVote(msg *types.CommitVoteMsg) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for author, peer := range b.peers {
		if author == b.self {
			continue
		}
		peer.HandlePeerCommitVote(msg)
	}
	return nil
}

func TestPipeline_QuorumFormsAcrossTwoPeers(t *testing.T) {
	a, b := types.Author("a"), types.Author("b")
	signerA, err := crypto.NewInMemorySigner()
	require.NoError(t, err)
	signerB, err := crypto.NewInMemorySigner()
	require.NoError(t, err)
	verifierA, err := signerA.Verifier()
	require.NoError(t, err)
	verifierB, err := signerB.Verifier()
	require.NoError(t, err)

	power := map[types.Author]uint64{a: 1, b: 1}
	verifiers := map[types.Author]crypto.Verifier{a: verifierA, b: verifierB}
	// Unanimous quorum (2 validators, floor(2*2/3)+1 = 2): both votes required.
	validatorsA := &testCommitValidators{power: power, threshold: 2, verifiers: verifiers}
	validatorsB := &testCommitValidators{power: power, threshold: 2, verifiers: verifiers}

	ledgerA, ledgerB := &fakeLedgerStore{}, &fakeLedgerStore{}
	committedA := make(chan *types.LedgerInfo, 1)
	committedB := make(chan *types.LedgerInfo, 1)

	broadcastA := &loopbackCommitVotes{peers: make(map[types.Author]*Pipeline), self: a}
	broadcastB := &loopbackCommitVotes{peers: make(map[types.Author]*Pipeline), self: b}

	pA := New(Config{
		Self: a, Signer: signerA, Engine: fakeExecutionEngine{}, Resolver: fakeResolver{},
		Ledger: ledgerA, Mempool: &fakePipelineMempool{}, Validators: validatorsA,
		CommitVotes: broadcastA, CommitDecisions: noopCommitDecisionBroadcaster{},
		OnCommit: func(li *types.LedgerInfo, block *types.BlockData) { committedA <- li },
	})
	pB := New(Config{
		Self: b, Signer: signerB, Engine: fakeExecutionEngine{}, Resolver: fakeResolver{},
		Ledger: ledgerB, Mempool: &fakePipelineMempool{}, Validators: validatorsB,
		CommitVotes: broadcastB, CommitDecisions: noopCommitDecisionBroadcaster{},
		OnCommit: func(li *types.LedgerInfo, block *types.BlockData) { committedB <- li },
	})
	broadcastA.peers[a], broadcastA.peers[b] = pA, pB
	broadcastB.peers[a], broadcastB.peers[b] = pA, pB

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pA.Start(ctx)
	pB.Start(ctx)
	defer pA.Stop()
	defer pB.Stop()

	block := &types.BlockData{Epoch: 1, Round: 3, Payload: &types.Payload{InlineTxns: [][]byte{[]byte("tx")}}}
	pA.Submit(block)
	pB.Submit(block)

	for name, ch := range map[string]chan *types.LedgerInfo{"a": committedA, "b": committedB} {
		select {
		case li := <-ch:
			require.Equal(t, uint64(3), li.Round, "node %s", name)
		case <-time.After(2 * time.Second):
			t.Fatalf("node %s did not commit in time", name)
		}
	}
}
