package types

import (
	"errors"
	"fmt"
)

// Fragment is one piece of a batch in wire form. The last
// fragment of a batch carries its expiry.
type Fragment struct {
	_          struct{} `cbor:",toarray"`
	Epoch      Epoch
	BatchID    BatchID
	FragmentID uint64
	Payload    []byte
	Expiry     *LogicalTime // non-nil only on the terminating fragment
	Author     Author
}

// IsTerminal reports whether this fragment carries the batch's expiry and
// therefore ends the fragment sequence.
func (f *Fragment) IsTerminal() bool {
	return f.Expiry != nil
}

// BatchID identifies a batch within its author's namespace. Batch ids are
// locally monotonic per wrapper instance.
type BatchID struct {
	_      struct{} `cbor:",toarray"`
	Author Author
	Seq    uint64
}

func (b BatchID) String() string {
	return fmt.Sprintf("%s/%d", b.Author, b.Seq)
}

// Batch is the persisted, reassembled form: the ordered transaction bytes
// plus the metadata needed to re-derive its digest and verify expiry.
type Batch struct {
	_       struct{} `cbor:",toarray"`
	Author  Author
	ID      BatchID
	Payload []byte // concatenation of fragment payloads in id order
	Expiry  LogicalTime
	Digest  Digest
}

var (
	// ErrEmptyBatch is returned when a batch has zero fragments (// boundary: "Batch of 0 fragments: rejected").
	ErrEmptyBatch = errors.New("quorumstore: batch has no fragments")
	// ErrFragmentGap is returned when a fragment's id skips ahead of the
	// expected next id ("Fragment with skipped id: rejected").
	ErrFragmentGap = errors.New("quorumstore: fragment id is not contiguous")
	// ErrBatchTooLarge is returned when accumulated bytes exceed
	// max_batch_bytes .
	ErrBatchTooLarge = errors.New("quorumstore: batch exceeds max_batch_bytes")
	// ErrPastTerminator is returned when a fragment arrives after the
	// terminating fragment of its batch.
	ErrPastTerminator = errors.New("quorumstore: fragment received past batch terminator")
)

// SignedDigestInfo is signed by a validator attesting it holds the batch
// with the given digest, size and expiry.
type SignedDigestInfo struct {
	_         struct{} `cbor:",toarray"`
	Digest    Digest
	Expiry    LogicalTime
	TxnCount  uint32
	ByteCount uint64
}

// SignedDigest pairs a SignedDigestInfo with the author's signature over its
// canonical encoding, the wire unit exchanged between batch author and
// readers.
type SignedDigest struct {
	_      struct{} `cbor:",toarray"`
	Epoch  Epoch
	Author Author
	Info   SignedDigestInfo
	Sig    []byte
}

// ProofOfStore (PoS) accompanies a SignedDigestInfo with signatures from a
// quorum of voting power, proving the batch is retrievable from at least
// f+1 honest replicas before expiry.
type ProofOfStore struct {
	_          struct{} `cbor:",toarray"`
	Info       SignedDigestInfo
	BatchAuthor Author
	Signers    []Author
	Sigs       [][]byte
}

// Digest returns the proof's batch digest, the key PoS references are
// indexed by in block payloads.
func (p *ProofOfStore) Digest() Digest { return p.Info.Digest }

// ExpiresAt returns the proof's expiry time, used for PoS-vs-block expiry
// checks ("every PoS in the payload had expiry >= round").
func (p *ProofOfStore) ExpiresAt() LogicalTime { return p.Info.Expiry }
