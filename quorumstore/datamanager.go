package quorumstore

import (
	"context"
	"fmt"

	"github.com/quorumchain/validator/types"
)

// DataManager resolves a block's Payload into the ordered
// transaction bytes the execution engine needs, bridging the ordering
// pipeline (which only ever sees PoS references or inline transactions)
// and the dissemination plane.
type DataManager struct {
	reader *Reader
}

// NewDataManager constructs a DataManager over reader.
func NewDataManager(reader *Reader) *DataManager {
	return &DataManager{reader: reader}
}

// Resolve returns the concatenated transaction bytes for payload, pulling
// each referenced batch through the Reader (quorum-store mode) or using
// the payload's inline transactions directly (direct-mempool mode). A
// payload is either direct transactions or PoS references, never both.
func (d *DataManager) Resolve(ctx context.Context, payload *types.Payload) ([][]byte, error) {
	if payload == nil {
		return nil, nil
	}
	if payload.DirectMempool() {
		return payload.InlineTxns, nil
	}

	var out [][]byte
	for _, proof := range payload.ProofsOfStore {
		raw, err := d.reader.Resolve(ctx, proof)
		if err != nil {
			return nil, fmt.Errorf("resolving PoS %s: %w", proof.Digest(), err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// NotifyCommitted expires every locally held batch whose expiry is no
// later than committed, called as the ledger advances (// "notify_commit").
func (d *DataManager) NotifyCommitted(store *Store, committed types.LogicalTime) {
	store.ExpireBefore(committed)
}
