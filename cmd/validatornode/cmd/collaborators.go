package cmd

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/keyvaluedb"
	"github.com/quorumchain/validator/types"
)

// fifoMempool is a minimal in-process transaction source: real mempool
// gossip and validation are out of scope here, so this just lets a node
// propose whatever it has been handed directly, standing in for a real
// p2p mempool ahead of consensus.
type fifoMempool struct {
	mu   sync.Mutex
	txns [][]byte
}

func newFIFOMempool() *fifoMempool {
	return &fifoMempool{}
}

// Submit appends a transaction for a future block to pull, the entry
// point an RPC surface (out of scope here) would otherwise call.
func (m *fifoMempool) Submit(txn []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns = append(m.txns, txn)
}

func (m *fifoMempool) PullTxns(_ context.Context, maxCount uint64, maxBytes uint64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	var bytes uint64
	n := uint64(len(m.txns))
	for n > 0 && uint64(len(out)) < maxCount {
		txn := m.txns[0]
		if bytes+uint64(len(txn)) > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, txn)
		bytes += uint64(len(txn))
		m.txns = m.txns[1:]
		n--
	}
	return out, nil
}

func (m *fifoMempool) NotifyCommitted(_ [][]byte) {}

// hashChainEngine stands in for a real execution VM: it folds each
// block's transactions into a running state hash rather than executing
// them against any real state transition function, just enough to give
// SaveLedgerInfo/commit a deterministic state id to chain from.
type hashChainEngine struct{}

func newHashChainEngine() *hashChainEngine { return &hashChainEngine{} }

func (e *hashChainEngine) Execute(_ context.Context, parentStateHash []byte, block *types.BlockData, txns [][]byte) (*external.StateComputeResult, error) {
	h := sha256.New()
	h.Write(parentStateHash)
	h.Write([]byte(block.Author))
	for _, txn := range txns {
		h.Write(txn)
	}
	statuses := make([]external.TxnStatus, len(txns))
	return &external.StateComputeResult{StateHash: h.Sum(nil), TxnStatuses: statuses}, nil
}

func (e *hashChainEngine) SyncTo(_ context.Context, _ *types.LedgerInfo) error { return nil }

// dbLedgerStore persists committed LedgerInfos in the node's own
// KeyValueDB, under a key prefix distinct from blockstore's ("cs/") and
// safetyrules' ("sr/").
type dbLedgerStore struct {
	db keyvaluedb.KeyValueDB
}

const ledgerInfoKeyPrefix = "li/"

func newDBLedgerStore(db keyvaluedb.KeyValueDB) *dbLedgerStore {
	return &dbLedgerStore{db: db}
}

func ledgerInfoKey(epoch types.Epoch) []byte {
	return []byte(fmt.Sprintf("%s%020d", ledgerInfoKeyPrefix, epoch))
}

func (s *dbLedgerStore) SaveLedgerInfo(li *types.LedgerInfo) error {
	raw, err := types.MarshalCanonical(li)
	if err != nil {
		return fmt.Errorf("marshaling ledger info: %w", err)
	}
	return s.db.Write(ledgerInfoKey(li.Epoch), raw)
}

func hasLedgerInfoPrefix(key []byte) bool {
	prefix := []byte(ledgerInfoKeyPrefix)
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == ledgerInfoKeyPrefix
}

func (s *dbLedgerStore) GetLatestLedgerInfo() (*types.LedgerInfo, error) {
	var latest *types.LedgerInfo
	err := s.db.Iterate(func(key, value []byte) (bool, error) {
		if !hasLedgerInfoPrefix(key) {
			return true, nil
		}
		var li types.LedgerInfo
		if err := types.UnmarshalCanonical(value, &li); err != nil {
			return false, err
		}
		if latest == nil || li.Epoch > latest.Epoch {
			latest = &li
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

func (s *dbLedgerStore) GetEpochEndingLedgerInfos(startEpoch, endEpoch types.Epoch) ([]*types.LedgerInfo, error) {
	var out []*types.LedgerInfo
	err := s.db.Iterate(func(key, value []byte) (bool, error) {
		if !hasLedgerInfoPrefix(key) {
			return true, nil
		}
		var li types.LedgerInfo
		if err := types.UnmarshalCanonical(value, &li); err != nil {
			return false, err
		}
		if li.Epoch >= startEpoch && li.Epoch <= endEpoch {
			out = append(out, &li)
		}
		return true, nil
	})
	return out, err
}

// genesisReconfigStream answers the first Next call with a fixed genesis
// payload (the loaded validator set and default on-chain config), then
// blocks until ctx is done: a real on-chain reconfiguration source would
// be driven by the execution engine's own output, which is out of scope.
type genesisReconfigStream struct {
	once    sync.Once
	payload *external.OnChainConfigPayload
}

func newGenesisReconfigStream(payload *external.OnChainConfigPayload) *genesisReconfigStream {
	return &genesisReconfigStream{payload: payload}
}

func (s *genesisReconfigStream) Next(ctx context.Context) (*external.OnChainConfigPayload, error) {
	var sent bool
	s.once.Do(func() { sent = true })
	if sent {
		return s.payload, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
