// Package testutils provides shared in-memory fakes of the external
// collaborator interfaces (external.Mempool, ExecutionEngine, LedgerStore,
// LivenessStorage, ReconfigStream), generalized from the private fakes
// epoch/manager_test.go already built for its own scenario tests, so
// other packages' end-to-end tests don't need to redefine them.
package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/types"
)

// FakeMempool always hands out a fixed set of transactions and records
// what gets committed.
type FakeMempool struct {
	mu        sync.Mutex
	Txns      [][]byte
	committed [][]byte
}

// NewFakeMempool returns a FakeMempool seeded with one placeholder
// transaction, enough for a proposer to never produce an empty block.
func NewFakeMempool() *FakeMempool {
	return &FakeMempool{Txns: [][]byte{[]byte("tx")}}
}

func (m *FakeMempool) PullTxns(_ context.Context, maxCount, maxBytes uint64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	var bytes uint64
	for _, txn := range m.Txns {
		if uint64(len(out)) >= maxCount {
			break
		}
		if maxBytes != 0 && bytes+uint64(len(txn)) > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, txn)
		bytes += uint64(len(txn))
	}
	return out, nil
}

func (m *FakeMempool) NotifyCommitted(txns [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, txns...)
}

// CommitCount returns how many transactions have been reported committed.
func (m *FakeMempool) CommitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed)
}

// FakeExecutionEngine derives a new state hash by appending the block's
// round to the parent's, never touching the transactions themselves.
type FakeExecutionEngine struct{}

func (FakeExecutionEngine) Execute(_ context.Context, parentStateHash []byte, block *types.BlockData, txns [][]byte) (*external.StateComputeResult, error) {
	h := append(append([]byte{}, parentStateHash...), byte(block.Round))
	return &external.StateComputeResult{StateHash: h, TxnStatuses: make([]external.TxnStatus, len(txns))}, nil
}

func (FakeExecutionEngine) SyncTo(context.Context, *types.LedgerInfo) error { return nil }

// FakeLedgerStore records every SaveLedgerInfo call in memory.
type FakeLedgerStore struct {
	mu    sync.Mutex
	Saved []*types.LedgerInfo
}

func (l *FakeLedgerStore) GetLatestLedgerInfo() (*types.LedgerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Saved) == 0 {
		return nil, nil
	}
	latest := l.Saved[0]
	for _, li := range l.Saved[1:] {
		if li.Epoch > latest.Epoch {
			latest = li
		}
	}
	return latest, nil
}

func (l *FakeLedgerStore) GetEpochEndingLedgerInfos(startEpoch, endEpoch types.Epoch) ([]*types.LedgerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*types.LedgerInfo
	for _, li := range l.Saved {
		if li.Epoch >= startEpoch && li.Epoch <= endEpoch {
			out = append(out, li)
		}
	}
	return out, nil
}

func (l *FakeLedgerStore) SaveLedgerInfo(li *types.LedgerInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Saved = append(l.Saved, li)
	return nil
}

// FakeReconfigStream delivers whatever is sent on Ch, in order, and
// reports the stream closed once Ch is closed.
type FakeReconfigStream struct {
	Ch chan *external.OnChainConfigPayload
}

// NewFakeReconfigStream returns a FakeReconfigStream with a buffered
// channel, so a test can queue payloads before a Manager starts reading.
func NewFakeReconfigStream() *FakeReconfigStream {
	return &FakeReconfigStream{Ch: make(chan *external.OnChainConfigPayload, 4)}
}

func (r *FakeReconfigStream) Next(ctx context.Context) (*external.OnChainConfigPayload, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-r.Ch:
		if !ok {
			return nil, fmt.Errorf("testutils: reconfig stream closed")
		}
		return p, nil
	}
}

// FakeLivenessStorage is an in-memory external.LivenessStorage: no
// recovery data of its own, since a fresh in-memory store always starts
// with nothing to recover.
type FakeLivenessStorage struct {
	mu     sync.Mutex
	Votes  []*types.Vote
	QCs    []*types.QuorumCert
	Blocks []*types.BlockData
}

func (s *FakeLivenessStorage) Start() (*types.RecoveryData, error) {
	return &types.RecoveryData{}, nil
}

func (s *FakeLivenessStorage) SaveVote(vote *types.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Votes = append(s.Votes, vote)
	return nil
}

func (s *FakeLivenessStorage) SaveQC(qc *types.QuorumCert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QCs = append(s.QCs, qc)
	return nil
}

func (s *FakeLivenessStorage) SaveBlock(block *types.BlockData, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Blocks = append(s.Blocks, block)
	return nil
}

func (s *FakeLivenessStorage) SaveTree(*types.FullRecoveryData) error { return nil }
