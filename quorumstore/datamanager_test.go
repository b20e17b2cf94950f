package quorumstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/types"
)

func TestDataManager_ResolvesDirectMempoolPayload(t *testing.T) {
	dm := NewDataManager(NewReader(newTestStore(t, 0), &fakeFetcher{}, instantBackoff, nil))

	payload := &types.Payload{InlineTxns: [][]byte{[]byte("a"), []byte("b")}}
	txns, err := dm.Resolve(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, payload.InlineTxns, txns)
}

func TestDataManager_ResolvesQuorumStorePayload(t *testing.T) {
	store := newTestStore(t, 0)
	b := makeBatch(1, 10, "quorum-store-payload")
	require.NoError(t, store.Save(b))

	dm := NewDataManager(NewReader(store, &fakeFetcher{}, instantBackoff, nil))
	payload := &types.Payload{ProofsOfStore: []*types.ProofOfStore{proofFor(b)}}

	txns, err := dm.Resolve(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, "quorum-store-payload", string(txns[0]))
}

func TestDataManager_NotifyCommittedExpiresBatches(t *testing.T) {
	store := newTestStore(t, 0)
	b := makeBatch(1, 5, "to-expire")
	require.NoError(t, store.Save(b))

	dm := NewDataManager(NewReader(store, &fakeFetcher{}, instantBackoff, nil))
	dm.NotifyCommitted(store, types.LogicalTime{Epoch: 1, Round: 10})

	require.False(t, store.Has(b.Digest))
}
