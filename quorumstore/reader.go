package quorumstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// PeerFetcher fetches a batch by digest from the peer known to hold it,
// the network half of this resolution path (implemented by network/libp2pnet).
type PeerFetcher interface {
	FetchBatch(ctx context.Context, from types.Author, id types.BatchID, digest types.Digest) (*types.Batch, error)
}

// Reader resolves digests referenced by a ProofOfStore to their
// transaction bytes, serving the data manager's payload resolution.
type Reader struct {
	store   *Store
	fetcher PeerFetcher
	backoff func() backoff.BackOff
	log     *slog.Logger
}

// NewReader constructs a Reader over a local Store, falling back to
// fetcher on miss with a retry policy built fresh per call by newBackoff
// (defaults to backoff.NewExponentialBackOff if nil).
func NewReader(store *Store, fetcher PeerFetcher, newBackoff func() backoff.BackOff, log *slog.Logger) *Reader {
	if newBackoff == nil {
		newBackoff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reader{store: store, fetcher: fetcher, backoff: newBackoff, log: log}
}

// Resolve returns the batch payload for proof, fetching from batchAuthor
// over the network and verifying the digest matches before accepting it
// ("payload with mismatched digest: reject").
func (r *Reader) Resolve(ctx context.Context, proof *types.ProofOfStore) ([]byte, error) {
	digest := proof.Digest()
	if batch, ok := r.store.Get(digest); ok {
		return batch.Payload, nil
	}

	var batch *types.Batch
	op := func() error {
		b, err := r.fetcher.FetchBatch(ctx, proof.BatchAuthor, types.BatchID{}, digest)
		if err != nil {
			return err
		}
		if b.Digest != digest {
			return backoff.Permanent(fmt.Errorf("batch %s: digest mismatch, got %s want %s", b.ID, b.Digest, digest))
		}
		batch = b
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(r.backoff(), ctx)); err != nil {
		return nil, fmt.Errorf("resolving batch for digest %s: %w", digest, err)
	}

	if err := r.store.Save(batch); err != nil {
		r.log.Warn("caching fetched batch failed", logger.Error(err))
	}
	return batch.Payload, nil
}
