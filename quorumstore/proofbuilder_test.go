package quorumstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quorumchain/validator/types"
)

type fakeValidators struct {
	power     map[types.Author]uint64
	threshold uint64
	rejectSig bool
}

func (v *fakeValidators) QuorumThreshold() uint64           { return v.threshold }
func (v *fakeValidators) VotingPower(a types.Author) uint64 { return v.power[a] }
func (v *fakeValidators) VerifySignedDigest(*types.SignedDigest) error {
	if v.rejectSig {
		return errors.New("invalid signature")
	}
	return nil
}

type fakeBroadcaster struct {
	broadcasted []types.SignedDigestInfo
}

func (b *fakeBroadcaster) BroadcastDigest(epoch types.Epoch, info types.SignedDigestInfo) error {
	b.broadcasted = append(b.broadcasted, info)
	return nil
}

func TestProofBuilder_QuorumFormsProof(t *testing.T) {
	v := &fakeValidators{power: map[types.Author]uint64{"a": 1, "b": 1, "c": 1}, threshold: 2}
	bc := &fakeBroadcaster{}
	pb := NewProofBuilder(v, bc, time.Second, nil)

	info := types.SignedDigestInfo{Digest: types.HashConcat([]byte("x")), TxnCount: 1, ByteCount: 1}

	resultCh := make(chan *types.ProofOfStore, 1)
	go func() {
		proof, err := pb.Build(context.Background(), 1, "a", info)
		require.NoError(t, err)
		resultCh <- proof
	}()

	time.Sleep(10 * time.Millisecond)
	pb.Collect(&types.SignedDigest{Epoch: 1, Author: "b", Info: info, Sig: []byte("sb")})
	pb.Collect(&types.SignedDigest{Epoch: 1, Author: "c", Info: info, Sig: []byte("sc")})

	select {
	case proof := <-resultCh:
		require.Len(t, proof.Signers, 2)
	case <-time.After(time.Second):
		t.Fatal("proof was not formed in time")
	}
}

func TestProofBuilder_TimesOutWithoutQuorum(t *testing.T) {
	v := &fakeValidators{power: map[types.Author]uint64{"a": 1, "b": 1, "c": 1}, threshold: 3}
	bc := &fakeBroadcaster{}
	pb := NewProofBuilder(v, bc, 20*time.Millisecond, nil)

	info := types.SignedDigestInfo{Digest: types.HashConcat([]byte("y"))}
	_, err := pb.Build(context.Background(), 1, "a", info)
	require.Error(t, err)
}

func TestProofBuilder_IgnoresDuplicateSigner(t *testing.T) {
	v := &fakeValidators{power: map[types.Author]uint64{"a": 1, "b": 1}, threshold: 2}
	bc := &fakeBroadcaster{}
	pb := NewProofBuilder(v, bc, 30*time.Millisecond, nil)

	info := types.SignedDigestInfo{Digest: types.HashConcat([]byte("z"))}

	resultCh := make(chan error, 1)
	go func() {
		_, err := pb.Build(context.Background(), 1, "a", info)
		resultCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	pb.Collect(&types.SignedDigest{Epoch: 1, Author: "b", Info: info, Sig: []byte("s1")})
	pb.Collect(&types.SignedDigest{Epoch: 1, Author: "b", Info: info, Sig: []byte("s2")}) // duplicate, ignored

	err := <-resultCh
	require.Error(t, err, "only one distinct signer's power was collected, below threshold of 2")
}
