package epoch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/consensus"
	"github.com/quorumchain/validator/crypto"
	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/keyvaluedb/memorydb"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// --- shared test fakes -------------------------------------------------

// networkRegistry wires every node's testNetwork to every other's inbox,
// standing in for network/libp2pnet in-process.
type networkRegistry struct {
	mu    sync.Mutex
	boxes map[types.Author]chan Inbound
}

func newNetworkRegistry() *networkRegistry {
	return &networkRegistry{boxes: make(map[types.Author]chan Inbound)}
}

func (r *networkRegistry) handle(self types.Author) *testNetwork {
	ch := make(chan Inbound, 256)
	r.mu.Lock()
	r.boxes[self] = ch
	r.mu.Unlock()
	return &testNetwork{self: self, inbox: ch, reg: r}
}

type testNetwork struct {
	self  types.Author
	inbox chan Inbound
	reg   *networkRegistry
}

func (n *testNetwork) deliver(to types.Author, msg any) {
	n.reg.mu.Lock()
	ch := n.reg.boxes[to]
	n.reg.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- Inbound{From: n.self, Msg: msg}
}

func (n *testNetwork) broadcast(msg any) {
	n.reg.mu.Lock()
	targets := make([]types.Author, 0, len(n.reg.boxes))
	for a := range n.reg.boxes {
		targets = append(targets, a)
	}
	n.reg.mu.Unlock()
	for _, a := range targets {
		if a == n.self {
			continue
		}
		n.deliver(a, msg)
	}
}

func (n *testNetwork) Receive() <-chan Inbound { return n.inbox }

func (n *testNetwork) SendProposal(to types.Author, msg *types.ProposalMsg) error {
	n.deliver(to, msg)
	return nil
}
func (n *testNetwork) SendVote(to types.Author, msg *types.VoteMsg) error {
	n.deliver(to, msg)
	return nil
}
func (n *testNetwork) BroadcastTimeout(msg *types.TimeoutMsg) error {
	n.broadcast(msg)
	return nil
}
func (n *testNetwork) BroadcastFragment(f *types.Fragment) error {
	n.broadcast(&types.FragmentMsg{Fragment: f})
	return nil
}
func (n *testNetwork) ReplyDigest(to types.Author, sd *types.SignedDigest) error {
	n.deliver(to, &types.SignedDigestMsg{Digest: sd})
	return nil
}
func (n *testNetwork) FetchBatch(context.Context, types.Author, types.BatchID, types.Digest) (*types.Batch, error) {
	return nil, fmt.Errorf("epoch: test network does not serve batch fetches")
}
func (n *testNetwork) BroadcastDigest(types.Epoch, types.SignedDigestInfo) error { return nil }
func (n *testNetwork) BroadcastCommitVote(msg *types.CommitVoteMsg) error {
	n.broadcast(msg)
	return nil
}
func (n *testNetwork) BroadcastCommitDecision(msg *types.CommitDecisionMsg) error {
	n.broadcast(msg)
	return nil
}
func (n *testNetwork) BroadcastProofOfStore(proof *types.ProofOfStore) error {
	n.broadcast(&types.ProofOfStoreMsg{Proof: proof})
	return nil
}
func (n *testNetwork) SendEpochRetrievalRequest(to types.Author, req *types.EpochRetrievalRequest) error {
	n.deliver(to, req)
	return nil
}
func (n *testNetwork) SendEpochChangeProof(to types.Author, msg *types.EpochChangeMsg) error {
	n.deliver(to, msg)
	return nil
}
func (n *testNetwork) SendBlockRetrievalResponse(to types.Author, resp *types.BlockRetrievalResponse) error {
	n.deliver(to, resp)
	return nil
}
func (n *testNetwork) SendBatchResponse(to types.Author, resp *types.BatchResponseMsg) error {
	n.deliver(to, resp)
	return nil
}

type fakeMempool struct {
	mu        sync.Mutex
	committed [][]byte
}

func (m *fakeMempool) PullTxns(context.Context, uint64, uint64) ([][]byte, error) {
	return [][]byte{[]byte("tx")}, nil
}

func (m *fakeMempool) NotifyCommitted(txns [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, txns...)
}

func (m *fakeMempool) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed)
}

type fakeExecutionEngine struct{}

func (fakeExecutionEngine) Execute(_ context.Context, parentStateHash []byte, block *types.BlockData, _ [][]byte) (*external.StateComputeResult, error) {
	return &external.StateComputeResult{StateHash: append(append([]byte{}, parentStateHash...), byte(block.Round))}, nil
}

func (fakeExecutionEngine) SyncTo(context.Context, *types.LedgerInfo) error { return nil }

type fakeLedgerStore struct {
	mu    sync.Mutex
	saved []*types.LedgerInfo
}

func (l *fakeLedgerStore) GetLatestLedgerInfo() (*types.LedgerInfo, error) { return nil, nil }
func (l *fakeLedgerStore) GetEpochEndingLedgerInfos(types.Epoch, types.Epoch) ([]*types.LedgerInfo, error) {
	return nil, nil
}
func (l *fakeLedgerStore) SaveLedgerInfo(li *types.LedgerInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved = append(l.saved, li)
	return nil
}

type fakeReconfigStream struct {
	ch chan *external.OnChainConfigPayload
}

func newFakeReconfigStream() *fakeReconfigStream {
	return &fakeReconfigStream{ch: make(chan *external.OnChainConfigPayload, 1)}
}

func (r *fakeReconfigStream) Next(ctx context.Context) (*external.OnChainConfigPayload, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-r.ch:
		if !ok {
			return nil, fmt.Errorf("epoch: reconfig stream closed")
		}
		return p, nil
	}
}

func makeValidator(t *testing.T, author types.Author) (crypto.Signer, types.ValidatorInfo) {
	t.Helper()
	signer, err := crypto.NewInMemorySigner()
	require.NoError(t, err)
	verifier, err := signer.Verifier()
	require.NoError(t, err)
	return signer, types.ValidatorInfo{Author: author, VotingPower: 1, PublicKey: verifier.MarshalPublicKey()}
}

// testNode bundles one validator's Manager and its fakes.
type testNode struct {
	mgr      *Manager
	reconfig *fakeReconfigStream
	mempool  *fakeMempool
}

func buildTestNode(t *testing.T, author types.Author, signer crypto.Signer, reg *networkRegistry, ledger *fakeLedgerStore) *testNode {
	t.Helper()
	db, err := memorydb.New()
	require.NoError(t, err)

	mempool := &fakeMempool{}
	reconfig := newFakeReconfigStream()
	mgr := NewManager(Config{
		Self:                     author,
		Signer:                   signer,
		Network:                  reg.handle(author),
		Mempool:                  mempool,
		Engine:                   fakeExecutionEngine{},
		Ledger:                   ledger,
		Reconfig:                 reconfig,
		DB:                       db,
		RoundTimeout:             consensus.TimeoutBackoff{InitialTimeout: time.Hour, Base: 1, MaxExponent: 0},
		MaxProposalTxns:          10,
		MaxProposalBytes:         1024,
		ElectionContiguousRounds: 1,
		Log:                      logger.Nop(),
	})
	return &testNode{mgr: mgr, reconfig: reconfig, mempool: mempool}
}

func threeValidatorSet(t *testing.T, a, b, c types.Author) (*types.ValidatorSet, map[types.Author]crypto.Signer) {
	t.Helper()
	signerA, viA := makeValidator(t, a)
	signerB, viB := makeValidator(t, b)
	signerC, viC := makeValidator(t, c)
	set := &types.ValidatorSet{Validators: []types.ValidatorInfo{viA, viB, viC}}
	signers := map[types.Author]crypto.Signer{a: signerA, b: signerB, c: signerC}
	return set, signers
}

// --- tests ---------------------------------------------------------------

// TestManager_DirectMempoolSingleEpochCommits runs three validators, each
// with its own Manager wired to an in-process network, through a fixed
// leader so the other two vote on every proposal. Since UseQuorumStore
// and DecoupledExecution are both left false, this exercises the
// direct-mempool / inline-commit path end to end: on-chain config is
// delivered once, startRoundManager installs the round manager, and the
// chained 3-vote commit rule eventually calls the mempool's
// NotifyCommitted.
func TestManager_DirectMempoolSingleEpochCommits(t *testing.T) {
	a, b, c := types.Author("a"), types.Author("b"), types.Author("c")
	vset, signers := threeValidatorSet(t, a, b, c)

	reg := newNetworkRegistry()
	ledger := &fakeLedgerStore{}

	nodes := map[types.Author]*testNode{
		a: buildTestNode(t, a, signers[a], reg, ledger),
		b: buildTestNode(t, b, signers[b], reg, ledger),
		c: buildTestNode(t, c, signers[c], reg, ledger),
	}

	payload := &external.OnChainConfigPayload{
		Epoch:      types.GenesisEpoch,
		Validators: vset,
		Config:     types.OnChainConsensusConfig{ProposerElectionType: types.ProposerElectionFixed},
	}
	for _, n := range nodes {
		n.reconfig.ch <- payload
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *testNode) {
			defer wg.Done()
			_ = n.mgr.Start(ctx)
		}(n)
	}

	require.Eventually(t, func() bool {
		return nodes[a].mempool.commitCount() > 0
	}, 4*time.Second, 20*time.Millisecond, "leader's mempool should observe at least one committed transaction")

	cancel()
	wg.Wait()
}

// TestManager_InitiateNewEpochTearsDownAndRebuilds drives a single node
// through one reconfiguration, then delivers an EpochChangeMsg naming the
// next epoch and confirms the manager installs a fresh round manager for
// it rather than getting stuck on the torn-down one (// initiate_new_epoch / shutdown_current_processor).
func TestManager_InitiateNewEpochTearsDownAndRebuilds(t *testing.T) {
	a := types.Author("solo")
	signer, vi := makeValidator(t, a)
	vset := &types.ValidatorSet{Validators: []types.ValidatorInfo{vi}}

	reg := newNetworkRegistry()
	ledger := &fakeLedgerStore{}
	node := buildTestNode(t, a, signer, reg, ledger)

	firstPayload := &external.OnChainConfigPayload{
		Epoch:      types.GenesisEpoch,
		Validators: vset,
		Config:     types.OnChainConsensusConfig{ProposerElectionType: types.ProposerElectionFixed},
	}
	node.reconfig.ch <- firstPayload

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = node.mgr.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return node.mempool.commitCount() > 0
	}, 2*time.Second, 20*time.Millisecond, "solo validator should commit its own proposals")

	node.mempool.mu.Lock()
	node.mempool.committed = nil
	node.mempool.mu.Unlock()

	secondEpoch := types.GenesisEpoch + 1
	nextPayload := &external.OnChainConfigPayload{
		Epoch:      secondEpoch,
		Validators: vset,
		Config:     types.OnChainConsensusConfig{ProposerElectionType: types.ProposerElectionFixed},
	}
	node.reconfig.ch <- nextPayload

	net := reg.handle(a + "-epoch-bridge")
	net.deliver(a, &types.EpochChangeMsg{Proof: &types.EpochChangeProof{
		LedgerInfo:     &types.LedgerInfo{Epoch: secondEpoch},
		NextValidators: vset,
	}})

	require.Eventually(t, func() bool {
		node.mgr.mu.Lock()
		defer node.mgr.mu.Unlock()
		return node.mgr.current != nil && node.mgr.current.state.Epoch == secondEpoch
	}, 2*time.Second, 20*time.Millisecond, "manager should install the new epoch's round manager")

	require.Eventually(t, func() bool {
		return node.mempool.commitCount() > 0
	}, 2*time.Second, 20*time.Millisecond, "the rebuilt round manager should resume committing in the new epoch")

	cancel()
	wg.Wait()
}
