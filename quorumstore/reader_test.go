package quorumstore

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/types"
)

// instantBackoff bounds retries to a couple of zero-delay attempts so
// failure-path tests don't wait out the default exponential backoff.
func instantBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

type fakeFetcher struct {
	batch *types.Batch
	err   error
	calls int
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, from types.Author, id types.BatchID, digest types.Digest) (*types.Batch, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.batch, nil
}

func proofFor(b *types.Batch) *types.ProofOfStore {
	return &types.ProofOfStore{
		Info:        types.SignedDigestInfo{Digest: b.Digest, Expiry: b.Expiry},
		BatchAuthor: b.Author,
	}
}

func TestReader_ResolvesFromLocalStoreWithoutFetch(t *testing.T) {
	store := newTestStore(t, 0)
	b := makeBatch(1, 10, "local-payload")
	require.NoError(t, store.Save(b))

	fetcher := &fakeFetcher{}
	r := NewReader(store, fetcher, nil, nil)

	payload, err := r.Resolve(context.Background(), proofFor(b))
	require.NoError(t, err)
	require.Equal(t, "local-payload", string(payload))
	require.Zero(t, fetcher.calls)
}

func TestReader_FetchesOnMissAndCaches(t *testing.T) {
	store := newTestStore(t, 0)
	b := makeBatch(1, 10, "remote-payload")
	fetcher := &fakeFetcher{batch: b}
	r := NewReader(store, fetcher, instantBackoff, nil)

	payload, err := r.Resolve(context.Background(), proofFor(b))
	require.NoError(t, err)
	require.Equal(t, "remote-payload", string(payload))
	require.True(t, store.Has(b.Digest), "fetched batch should be cached locally")
}

func TestReader_RejectsDigestMismatch(t *testing.T) {
	store := newTestStore(t, 0)
	wrong := makeBatch(1, 10, "not-what-was-asked-for")
	expected := makeBatch(2, 10, "the-actual-payload")
	fetcher := &fakeFetcher{batch: wrong}
	r := NewReader(store, fetcher, instantBackoff, nil)

	_, err := r.Resolve(context.Background(), proofFor(expected))
	require.Error(t, err)
}

func TestReader_PropagatesFetchError(t *testing.T) {
	store := newTestStore(t, 0)
	b := makeBatch(1, 10, "x")
	fetcher := &fakeFetcher{err: errors.New("peer unreachable")}
	r := NewReader(store, fetcher, instantBackoff, nil)

	_, err := r.Resolve(context.Background(), proofFor(b))
	require.Error(t, err)
}
