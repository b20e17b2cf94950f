package quorumstore

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// DigestSigner signs a SignedDigestInfo on behalf of this validator,
// attesting it now holds the assembled batch.
type DigestSigner interface {
	SignDigest(info types.SignedDigestInfo) ([]byte, error)
	Self() types.Author
}

// DigestReplier sends a signed digest reply back to the batch's author
// (implemented by network/libp2pnet).
type DigestReplier interface {
	ReplyDigest(to types.Author, sd *types.SignedDigest) error
}

// Listener is the sharded inbound side of batch dissemination. Each
// shard owns a disjoint slice of remote authors' Aggregators, so that one
// slow or malicious sender's fragment stream never head-of-line blocks
// another's ("sharded by sender to bound lock contention").
type Listener struct {
	numShards     uint32
	maxBatchBytes uint64

	shards []*listenerShard

	store   *Store
	signer  DigestSigner
	replier DigestReplier
	proofs  *ProofBuilder
	log     *slog.Logger
}

type listenerShard struct {
	mu           sync.Mutex
	aggregators  map[types.Author]*Aggregator
}

// NewListener constructs a Listener with numShards independent locks.
func NewListener(numShards uint32, maxBatchBytes uint64, store *Store, signer DigestSigner, replier DigestReplier, proofs *ProofBuilder, log *slog.Logger) *Listener {
	if numShards == 0 {
		numShards = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	shards := make([]*listenerShard, numShards)
	for i := range shards {
		shards[i] = &listenerShard{aggregators: make(map[types.Author]*Aggregator)}
	}
	return &Listener{
		numShards:     numShards,
		maxBatchBytes: maxBatchBytes,
		shards:        shards,
		store:         store,
		signer:        signer,
		replier:       replier,
		proofs:        proofs,
		log:           log,
	}
}

func (l *Listener) shardFor(author types.Author) *listenerShard {
	var h uint32
	for i := 0; i < len(author); i++ {
		h = h*31 + uint32(author[i])
	}
	return l.shards[h%l.numShards]
}

// HandleFragment processes an inbound fragment from its author's shard.
// When the fragment completes a batch, the batch is persisted and a
// SignedDigest reply sent to the author ("sign and reply on
// successful reassembly").
func (l *Listener) HandleFragment(f *types.Fragment) error {
	shard := l.shardFor(f.Author)
	shard.mu.Lock()
	agg, ok := shard.aggregators[f.Author]
	if !ok {
		agg = NewAggregator(f.Author, l.maxBatchBytes)
		shard.aggregators[f.Author] = agg
	}
	shard.mu.Unlock()

	batch, err := agg.AppendFragment(f)
	if err != nil {
		return fmt.Errorf("author %s: %w", f.Author, err)
	}
	if batch == nil {
		return nil
	}

	if err := l.store.Save(batch); err != nil {
		return fmt.Errorf("saving batch %s: %w", batch.ID, err)
	}

	info := types.SignedDigestInfo{
		Digest:    batch.Digest,
		Expiry:    batch.Expiry,
		TxnCount:  0,
		ByteCount: uint64(len(batch.Payload)),
	}
	sig, err := l.signer.SignDigest(info)
	if err != nil {
		return fmt.Errorf("signing digest for batch %s: %w", batch.ID, err)
	}
	sd := &types.SignedDigest{Epoch: f.Epoch, Author: l.signer.Self(), Info: info, Sig: sig}
	if err := l.replier.ReplyDigest(batch.Author, sd); err != nil {
		l.log.Warn("replying digest failed", logger.Author(string(batch.Author)), logger.Error(err))
	}
	return nil
}

// HandleSignedDigest routes an inbound signed digest reply to the proof
// builder collecting signatures for the local batch it concerns.
func (l *Listener) HandleSignedDigest(sd *types.SignedDigest) {
	l.proofs.Collect(sd)
}

// HandleDigestAnnounce answers a DigestBroadcaster announcement: if the
// batch it names was never reassembled from this validator's own
// fragment stream (HandleFragment already would have replied in that
// case), but happens to already be held locally (e.g. fetched earlier
// for a different proof), sign and reply anyway. A validator that holds
// neither the fragments nor a cached copy stays silent; it is not the
// only route to quorum, so the proof builder's timeout-and-fail path
// covers the case where too few peers can attest.
func (l *Listener) HandleDigestAnnounce(epoch types.Epoch, batchAuthor types.Author, info types.SignedDigestInfo) error {
	batch, ok := l.store.Get(info.Digest)
	if !ok {
		return nil
	}
	sig, err := l.signer.SignDigest(info)
	if err != nil {
		return fmt.Errorf("signing digest for announced batch %s: %w", batch.ID, err)
	}
	sd := &types.SignedDigest{Epoch: epoch, Author: l.signer.Self(), Info: info, Sig: sig}
	if err := l.replier.ReplyDigest(batchAuthor, sd); err != nil {
		l.log.Warn("replying to digest announcement failed", logger.Author(string(batchAuthor)), logger.Error(err))
	}
	return nil
}
