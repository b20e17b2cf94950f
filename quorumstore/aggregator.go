// Package quorumstore implements the two-phase transaction dissemination
// plane: batch aggregation, persistence, proof building and
// payload resolution, decoupled from the ordering/execution/commit
// pipeline.
package quorumstore

import (
	"fmt"
	"sync"

	"github.com/quorumchain/validator/types"
)

// Aggregator is a per-sender, per-batch fragment accumulator. One
// Aggregator instance per remote author is held by the inbound Listener.
type Aggregator struct {
	mu sync.Mutex

	author         types.Author
	batchID        *types.BatchID
	nextFragmentID uint64
	buf            []byte
	maxBatchBytes  uint64
	terminated     bool
	expiry         types.LogicalTime
}

// NewAggregator constructs an Aggregator enforcing maxBatchBytes per batch.
func NewAggregator(author types.Author, maxBatchBytes uint64) *Aggregator {
	return &Aggregator{author: author, maxBatchBytes: maxBatchBytes}
}

// Append folds fragmentID's payload into the open batch, starting a new
// batch if batchID differs from the one in progress ("append").
func (a *Aggregator) Append(batchID types.BatchID, fragmentID uint64, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.batchID == nil || *a.batchID != batchID {
		a.batchID = &batchID
		a.nextFragmentID = 0
		a.buf = nil
		a.terminated = false
	}
	if a.terminated {
		return types.ErrPastTerminator
	}
	if fragmentID != a.nextFragmentID {
		return types.ErrFragmentGap
	}
	if uint64(len(a.buf)+len(payload)) > a.maxBatchBytes {
		return types.ErrBatchTooLarge
	}
	a.buf = append(a.buf, payload...)
	a.nextFragmentID++
	return nil
}

// End finalizes the batch at fragmentID, recording expiry and returning
// the assembled payload, byte count and digest ("end").
func (a *Aggregator) End(batchID types.BatchID, fragmentID uint64, payload []byte, expiry types.LogicalTime) (numBytes uint64, fullPayload []byte, digest types.Digest, err error) {
	if err := a.Append(batchID, fragmentID, payload); err != nil {
		return 0, nil, types.Digest{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nextFragmentID == 0 {
		return 0, nil, types.Digest{}, types.ErrEmptyBatch
	}
	a.terminated = true
	a.expiry = expiry
	digest = types.HashConcat(a.buf)
	return uint64(len(a.buf)), append([]byte{}, a.buf...), digest, nil
}

// AppendFragment folds an inbound wire Fragment, detecting the terminal
// fragment from its Expiry field and returning the finalized Batch when
// the fragment sequence completes (used by the network listener for
// remote-author fragments; nil, nil when the batch is not yet complete).
func (a *Aggregator) AppendFragment(f *types.Fragment) (*types.Batch, error) {
	if f.IsTerminal() {
		_, payload, digest, err := a.End(f.BatchID, f.FragmentID, f.Payload, *f.Expiry)
		if err != nil {
			return nil, err
		}
		return &types.Batch{
			Author:  f.Author,
			ID:      f.BatchID,
			Payload: payload,
			Expiry:  *f.Expiry,
			Digest:  digest,
		}, nil
	}
	if err := a.Append(f.BatchID, f.FragmentID, f.Payload); err != nil {
		return nil, fmt.Errorf("appending fragment %d of batch %s: %w", f.FragmentID, f.BatchID, err)
	}
	return nil, nil
}
