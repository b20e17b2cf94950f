package quorumstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/keyvaluedb/memorydb"
	"github.com/quorumchain/validator/types"
)

func newTestStore(t *testing.T, maxMem uint64) *Store {
	t.Helper()
	db, err := memorydb.New()
	require.NoError(t, err)
	return NewStore(db, maxMem)
}

func makeBatch(seq uint64, round uint64, payload string) *types.Batch {
	id := types.BatchID{Author: testAuthor, Seq: seq}
	digest := types.HashConcat([]byte(payload))
	return &types.Batch{
		Author:  testAuthor,
		ID:      id,
		Payload: []byte(payload),
		Expiry:  types.LogicalTime{Epoch: 1, Round: round},
		Digest:  digest,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	s := newTestStore(t, 0)
	b := makeBatch(1, 10, "payload-one")
	require.NoError(t, s.Save(b))

	got, ok := s.Get(b.Digest)
	require.True(t, ok)
	require.Equal(t, b.Payload, got.Payload)
	require.True(t, s.Has(b.Digest))
}

func TestStore_GetMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t, 0)
	_, ok := s.Get(types.Digest{})
	require.False(t, ok)
}

func TestStore_ExpireBefore(t *testing.T) {
	s := newTestStore(t, 0)
	early := makeBatch(1, 5, "early")
	late := makeBatch(2, 50, "late")
	require.NoError(t, s.Save(early))
	require.NoError(t, s.Save(late))

	s.ExpireBefore(types.LogicalTime{Epoch: 1, Round: 10})

	_, ok := s.Get(early.Digest)
	require.False(t, ok)
	_, ok = s.Get(late.Digest)
	require.True(t, ok)
}

func TestStore_EvictsOldestUnderQuota(t *testing.T) {
	// Quota small enough that only one of two batches fits in the index at
	// once, forcing eviction of the one with the lower expiry round.
	old := makeBatch(1, 1, "aaaaaaaaaa")
	fresh := makeBatch(2, 100, "bbbbbbbbbb")

	db, err := memorydb.New()
	require.NoError(t, err)
	raw, err := types.MarshalCanonical(fresh)
	require.NoError(t, err)
	s := NewStore(db, uint64(len(raw)))

	require.NoError(t, s.Save(old))
	require.NoError(t, s.Save(fresh))

	_, ok := s.Get(old.Digest)
	require.False(t, ok, "older-expiry batch should have been evicted under quota pressure")
	_, ok = s.Get(fresh.Digest)
	require.True(t, ok)
}
