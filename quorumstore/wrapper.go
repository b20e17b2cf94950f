package quorumstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// FragmentSender splits and sends an authored batch's fragments to every
// other validator (implemented by network/libp2pnet).
type FragmentSender interface {
	BroadcastFragment(f *types.Fragment) error
}

// WrapperConfig configures the Wrapper's mempool pull loop.
type WrapperConfig struct {
	Self          types.Author
	Epoch         types.Epoch
	PullInterval  time.Duration
	MaxBatchBytes uint64
	FragmentBytes uint64
	BatchExpiry   func() types.LogicalTime
	MaxLivePoS    uint64 // backpressure: stop pulling once this many local PoS are outstanding
}

// Wrapper is the quorum-store side facing the local mempool. It pulls
// candidate transactions, splits them into a batch's worth of fragments,
// broadcasts the fragments, and drives the ProofBuilder to turn the
// resulting signed digests into a ProofOfStore once the batch's wire
// reassembly completes locally too.
type Wrapper struct {
	cfg       WrapperConfig
	mempool   external.Mempool
	sender    FragmentSender
	proofs    *ProofBuilder
	store     *Store
	log       *slog.Logger

	mu       sync.Mutex
	nextSeq  uint64
	livePoS  atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWrapper constructs a Wrapper.
func NewWrapper(cfg WrapperConfig, mempool external.Mempool, sender FragmentSender, proofs *ProofBuilder, store *Store, log *slog.Logger) *Wrapper {
	if log == nil {
		log = logger.Nop()
	}
	return &Wrapper{cfg: cfg, mempool: mempool, sender: sender, proofs: proofs, store: store, log: log}
}

// Start runs the pull loop until ctx is cancelled or Stop is called.
func (w *Wrapper) Start(ctx context.Context, onProof func(*types.ProofOfStore)) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.PullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if uint64(w.livePoS.Load()) >= w.cfg.MaxLivePoS {
					continue // backpressure: too many live PoS outstanding
				}
				proof, err := w.pullAndForm(ctx)
				if err != nil {
					w.log.Warn("pulling batch failed", logger.Error(err))
					continue
				}
				if proof == nil {
					continue
				}
				w.livePoS.Add(1)
				if onProof != nil {
					onProof(proof)
				}
			}
		}
	}()
}

// Stop halts the pull loop and waits for it to exit.
func (w *Wrapper) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// NotePoSConsumed decrements the live-PoS backpressure counter once a PoS
// this wrapper authored has been included and expired out of pending
// blocks, releasing budget for further pulls.
func (w *Wrapper) NotePoSConsumed() {
	if v := w.livePoS.Add(-1); v < 0 {
		w.livePoS.Store(0)
	}
}

func (w *Wrapper) pullAndForm(ctx context.Context) (*types.ProofOfStore, error) {
	txns, err := w.mempool.PullTxns(ctx, 0, w.cfg.MaxBatchBytes)
	if err != nil {
		return nil, fmt.Errorf("pulling transactions: %w", err)
	}
	if len(txns) == 0 {
		return nil, nil
	}

	var payload []byte
	for _, t := range txns {
		payload = append(payload, t...)
	}
	if uint64(len(payload)) > w.cfg.MaxBatchBytes {
		payload = payload[:w.cfg.MaxBatchBytes]
	}

	w.mu.Lock()
	seq := w.nextSeq
	w.nextSeq++
	w.mu.Unlock()
	batchID := types.BatchID{Author: w.cfg.Self, Seq: seq}
	expiry := w.cfg.BatchExpiry()

	if err := w.broadcastFragments(batchID, payload, expiry); err != nil {
		return nil, fmt.Errorf("broadcasting batch %s: %w", batchID, err)
	}

	digest := types.HashConcat(payload)
	batch := &types.Batch{Author: w.cfg.Self, ID: batchID, Payload: payload, Expiry: expiry, Digest: digest}
	if err := w.store.Save(batch); err != nil {
		return nil, fmt.Errorf("saving own batch %s: %w", batchID, err)
	}

	info := types.SignedDigestInfo{Digest: digest, Expiry: expiry, TxnCount: uint32(len(txns)), ByteCount: uint64(len(payload))}
	return w.proofs.Build(ctx, w.cfg.Epoch, w.cfg.Self, info)
}

// broadcastFragments splits payload into FragmentBytes-sized chunks and
// broadcasts them in order, the last fragment carrying expiry (// "end marks the terminal fragment").
func (w *Wrapper) broadcastFragments(id types.BatchID, payload []byte, expiry types.LogicalTime) error {
	if len(payload) == 0 {
		f := &types.Fragment{Epoch: w.cfg.Epoch, BatchID: id, FragmentID: 0, Expiry: &expiry, Author: w.cfg.Self}
		return w.sender.BroadcastFragment(f)
	}
	chunkSize := w.cfg.FragmentBytes
	if chunkSize == 0 {
		chunkSize = uint64(len(payload))
	}
	var fragID uint64
	for start := uint64(0); start < uint64(len(payload)); start += chunkSize {
		end := start + chunkSize
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}
		f := &types.Fragment{Epoch: w.cfg.Epoch, BatchID: id, FragmentID: fragID, Payload: payload[start:end], Author: w.cfg.Self}
		if end == uint64(len(payload)) {
			f.Expiry = &expiry
		}
		if err := w.sender.BroadcastFragment(f); err != nil {
			return err
		}
		fragID++
	}
	return nil
}
