package quorumstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/types"
)

const testAuthor = types.Author("validator-a")

func TestAggregator_AppendAndEnd(t *testing.T) {
	agg := NewAggregator(testAuthor, 1024)
	batchID := types.BatchID{Author: testAuthor, Seq: 1}

	require.NoError(t, agg.Append(batchID, 0, []byte("hello ")))
	n, payload, digest, err := agg.End(batchID, 1, []byte("world"), types.LogicalTime{Epoch: 1, Round: 1})
	require.NoError(t, err)
	require.EqualValues(t, len("hello world"), n)
	require.Equal(t, "hello world", string(payload))
	require.Equal(t, types.HashConcat([]byte("hello world")), digest)
}

func TestAggregator_RejectsFragmentGap(t *testing.T) {
	agg := NewAggregator(testAuthor, 1024)
	batchID := types.BatchID{Author: testAuthor, Seq: 1}

	err := agg.Append(batchID, 1, []byte("x"))
	require.ErrorIs(t, err, types.ErrFragmentGap)
}

func TestAggregator_RejectsOverSizeBatch(t *testing.T) {
	agg := NewAggregator(testAuthor, 4)
	batchID := types.BatchID{Author: testAuthor, Seq: 1}

	err := agg.Append(batchID, 0, []byte("toolong"))
	require.ErrorIs(t, err, types.ErrBatchTooLarge)
}

func TestAggregator_RejectsFragmentPastTerminator(t *testing.T) {
	agg := NewAggregator(testAuthor, 1024)
	batchID := types.BatchID{Author: testAuthor, Seq: 1}

	_, _, _, err := agg.End(batchID, 0, []byte("x"), types.LogicalTime{Epoch: 1, Round: 1})
	require.NoError(t, err)

	err = agg.Append(batchID, 1, []byte("y"))
	require.ErrorIs(t, err, types.ErrPastTerminator)
}

func TestAggregator_NewBatchIDResetsState(t *testing.T) {
	agg := NewAggregator(testAuthor, 1024)
	first := types.BatchID{Author: testAuthor, Seq: 1}
	second := types.BatchID{Author: testAuthor, Seq: 2}

	_, _, _, err := agg.End(first, 0, []byte("one"), types.LogicalTime{Epoch: 1, Round: 1})
	require.NoError(t, err)

	// Starting fragment 0 of a new batch id must succeed even though the
	// previous batch had already terminated.
	require.NoError(t, agg.Append(second, 0, []byte("two")))
}

func TestAggregator_AppendFragment_TerminalProducesBatch(t *testing.T) {
	agg := NewAggregator(testAuthor, 1024)
	batchID := types.BatchID{Author: testAuthor, Seq: 1}
	expiry := types.LogicalTime{Epoch: 1, Round: 5}

	batch, err := agg.AppendFragment(&types.Fragment{BatchID: batchID, FragmentID: 0, Payload: []byte("abc"), Author: testAuthor})
	require.NoError(t, err)
	require.Nil(t, batch)

	batch, err = agg.AppendFragment(&types.Fragment{BatchID: batchID, FragmentID: 1, Payload: []byte("def"), Expiry: &expiry, Author: testAuthor})
	require.NoError(t, err)
	require.NotNil(t, batch)
	require.Equal(t, "abcdef", string(batch.Payload))
	require.Equal(t, expiry, batch.Expiry)
}
