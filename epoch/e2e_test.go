package epoch

import (
	"context"
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

// buildQuorumStoreNode is buildTestNode plus the quorum-store and
// decoupled-execution tuning neither the direct-mempool/inline-commit
// tests need, so TestManager_DecoupledQuorumStoreSingleEpochCommits can
// exercise C1-C7 and C13 wired together through a real epoch.Manager
// rather than in isolation.
func buildQuorumStoreNode(t *testing.T, author types.Author, signer crypto.Signer, reg *networkRegistry, ledger *fakeLedgerStore) *testNode {
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
		NumListenerShards:        2,
		MaxBatchBytes:            1 << 16,
		FragmentBytes:            1 << 12,
		PullInterval:             10 * time.Millisecond,
		MaxLivePoS:               10,
		ProofTimeout:             time.Second,
		BatchExpiryRounds:        1000,
		StoreMaxMemBytes:         1 << 20,
		ElectionContiguousRounds: 1,
		Log:                      logger.Nop(),
	})
	return &testNode{mgr: mgr, reconfig: reconfig, mempool: mempool}
}

// TestManager_DecoupledQuorumStoreSingleEpochCommits runs three
// validators through the decoupled path this package's other end-to-end
// test deliberately leaves untouched: UseQuorumStore routes proposals
// through quorumstore.Wrapper/Listener/ProofBuilder (C1-C7) instead of
// pulling the mempool directly, and DecoupledExecution defers a block's
// execution to consensus/pipeline.Pipeline once its QC forms (C13)
// rather than executing inline as blockstore.Executor commits. Both
// toggles are exercised together since C13's pipeline is the consumer
// of quorum store's resolved payloads in the original architecture.
func TestManager_DecoupledQuorumStoreSingleEpochCommits(t *testing.T) {
	a, b, c := types.Author("a"), types.Author("b"), types.Author("c")
	vset, signers := threeValidatorSet(t, a, b, c)

	reg := newNetworkRegistry()
	ledger := &fakeLedgerStore{}

	nodes := map[types.Author]*testNode{
		a: buildQuorumStoreNode(t, a, signers[a], reg, ledger),
		b: buildQuorumStoreNode(t, b, signers[b], reg, ledger),
		c: buildQuorumStoreNode(t, c, signers[c], reg, ledger),
	}

	payload := &external.OnChainConfigPayload{
		Epoch:      types.GenesisEpoch,
		Validators: vset,
		Config: types.OnChainConsensusConfig{
			ProposerElectionType: types.ProposerElectionFixed,
			UseQuorumStore:       true,
			DecoupledExecution:   true,
		},
	}
	for _, n := range nodes {
		n.reconfig.ch <- payload
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
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
	}, 7*time.Second, 20*time.Millisecond,
		"leader's mempool should observe at least one committed transaction through the decoupled quorum-store path")

	cancel()
	wg.Wait()
}
