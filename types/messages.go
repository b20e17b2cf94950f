package types

import "fmt"

// Vote is cast by a validator over a RoundInfo, optionally carrying a
// commit ledger info when it extends the 3-chain.
type Vote struct {
	_                struct{} `cbor:",toarray"`
	VoteInfo         *RoundInfo
	LedgerCommitInfo *LedgerInfo
	Author           Author
	Signature        []byte
	TimeoutSignature []byte // non-nil only if this vote also carries a timeout
}

func (v *Vote) GetRound() uint64 { return v.VoteInfo.GetRound() }

// IsTimeout reports whether this vote is bundled with a timeout signature,
// the "vote with timeout" case used to build a TC without a second round
// trip (Pacemaker).
func (v *Vote) IsTimeout() bool { return len(v.TimeoutSignature) > 0 }

// ProposalMsg carries a new block proposal plus the sender's SyncInfo, so
// the recipient can catch up before processing the proposal itself.
type ProposalMsg struct {
	_        struct{} `cbor:",toarray"`
	Block    *BlockData
	SyncInfo *SyncInfo
}

func (m *ProposalMsg) Epoch() Epoch { return m.Block.Epoch }

// VoteMsg carries a single Vote plus SyncInfo.
type VoteMsg struct {
	_        struct{} `cbor:",toarray"`
	Vote     *Vote
	SyncInfo *SyncInfo
}

func (m *VoteMsg) Epoch() Epoch {
	if m.Vote == nil || m.Vote.VoteInfo == nil {
		return 0
	}
	return m.Vote.VoteInfo.Epoch
}

// TimeoutMsg is broadcast by the pacemaker when a round's timer fires
// without reaching consensus.
type TimeoutMsg struct {
	_         struct{} `cbor:",toarray"`
	Epoch     Epoch
	Round     uint64
	HighQC    *QuorumCert
	Author    Author
	Signature []byte
	SyncInfo  *SyncInfo
}

func (m *TimeoutMsg) GetEpoch() Epoch { return m.Epoch }

// CommitVoteMsg is cast by an execution phase actor once it has computed
// the state for a block, feeding the decoupled commit pipeline.
type CommitVoteMsg struct {
	_         struct{} `cbor:",toarray"`
	Epoch     Epoch
	BlockID   Digest
	Round     uint64
	StateHash []byte
	Author    Author
	Signature []byte
}

// CommitDecisionMsg announces a block is durably committed after a quorum
// of CommitVotes, broadcast by the persisting phase actor.
type CommitDecisionMsg struct {
	_       struct{} `cbor:",toarray"`
	LedgerInfo *LedgerInfo
	Signers    []Author
	Signatures [][]byte
}

// EpochChangeMsg wraps an EpochChangeProof for the wire, delivered to the
// epoch manager to trigger a reconfiguration.
type EpochChangeMsg struct {
	_     struct{} `cbor:",toarray"`
	Proof *EpochChangeProof
}

// EpochRetrievalRequest asks a peer for the EpochChangeProof chain covering
// [StartEpoch, EndEpoch), used by lagging nodes to catch up across epoch
// boundaries.
type EpochRetrievalRequest struct {
	_          struct{} `cbor:",toarray"`
	StartEpoch Epoch
	EndEpoch   Epoch
}

// BlockRetrievalRequest asks a peer for up to Count ancestors of BlockID,
// used by the recovery manager and the block store to backfill missing
// history ("block retrieval").
type BlockRetrievalRequest struct {
	_        struct{} `cbor:",toarray"`
	RequestID string // correlates request/response, generated via uuid at the call site
	BlockID  Digest
	Count    uint64
}

// BlockRetrievalStatus is the request/response status enum used across
// recovery RPCs.
type BlockRetrievalStatus int

const (
	BlockRetrievalSucceeded BlockRetrievalStatus = iota
	BlockRetrievalIDNotFound
	BlockRetrievalNotEnoughBlocks
)

// BlockRetrievalResponse answers a BlockRetrievalRequest with the requested
// ancestor chain, newest first.
type BlockRetrievalResponse struct {
	_         struct{} `cbor:",toarray"`
	RequestID string
	Status    BlockRetrievalStatus
	Blocks    []*BlockData
	QCs       []*QuorumCert
}

// FragmentMsg wires a Fragment to the batch aggregator.
type FragmentMsg struct {
	_        struct{} `cbor:",toarray"`
	Fragment *Fragment
}

// DigestAnnounceMsg is the ProofBuilder's broadcast fallback (C4's
// DigestBroadcaster): a belt-and-suspenders announcement to every
// validator in case a peer missed the FragmentMsg broadcast that would
// otherwise have made it sign and reply automatically on reassembly.
type DigestAnnounceMsg struct {
	_           struct{} `cbor:",toarray"`
	Epoch       Epoch
	BatchAuthor Author
	Info        SignedDigestInfo
}

// SignedDigestMsg wires a SignedDigest between batch author and readers
// (C4/C5).
type SignedDigestMsg struct {
	_      struct{} `cbor:",toarray"`
	Digest *SignedDigest
}

// BatchRequestMsg asks a peer to send the full Batch for the given id, used
// by the batch reader when it only has a PoS (C3).
type BatchRequestMsg struct {
	_         struct{} `cbor:",toarray"`
	RequestID string
	BatchID   BatchID
	Digest    Digest
}

// BatchResponseMsg answers a BatchRequestMsg.
type BatchResponseMsg struct {
	_         struct{} `cbor:",toarray"`
	RequestID string
	Batch     *Batch
	Found     bool
}

// ProofOfStoreMsg gossips a completed PoS to the quorum-store payload
// source on every validator, which feeds it into block proposals
// (broadcast over pubsub rather than point to point).
type ProofOfStoreMsg struct {
	_    struct{} `cbor:",toarray"`
	Proof *ProofOfStore
}

func (m *ProposalMsg) String() string {
	return fmt.Sprintf("ProposalMsg{round=%d,author=%s}", m.Block.GetRound(), m.Block.Author)
}
