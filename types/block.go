package types

import "fmt"

// Payload is a block's content: either a list of PoS references
// (quorum-store mode) or inline transactions (direct-mempool mode).
type Payload struct {
	_            struct{} `cbor:",toarray"`
	ProofsOfStore []*ProofOfStore
	InlineTxns    [][]byte // non-nil only in direct-mempool mode
}

// DirectMempool reports whether this payload carries inline transactions
// rather than PoS references.
func (p *Payload) DirectMempool() bool {
	return p != nil && p.InlineTxns != nil
}

// BlockData is the proposed content of a block before execution, signed by
// its author.
type BlockData struct {
	_          struct{} `cbor:",toarray"`
	Epoch      Epoch
	Round      uint64
	ParentID   Digest
	TimestampUs uint64
	Author     Author
	Payload    *Payload
	QC         *QuorumCert // justifies extending ParentID
}

// GetRound returns b's round, tolerating a nil receiver, since nil-safe
// round lookups are used throughout block tree traversal.
func (b *BlockData) GetRound() uint64 {
	if b == nil {
		return 0
	}
	return b.Round
}

// GetParentRound returns the round of the block this one extends, derived
// from its justifying QC.
func (b *BlockData) GetParentRound() uint64 {
	if b == nil || b.QC == nil {
		return 0
	}
	return b.QC.VoteInfo.RoundNumber
}

// ID returns the block's content hash ("Identified by a content
// hash (block_id)").
func (b *BlockData) ID() (Digest, error) {
	return HashOf(b)
}

// RoundInfo is the content a QC/TC vote is cast over: the round, epoch,
// and (for QCs) the resulting state hash and parent linkage.
type RoundInfo struct {
	_                 struct{} `cbor:",toarray"`
	Epoch             Epoch
	RoundNumber       uint64
	BlockID           Digest
	ParentRoundNumber uint64
	Timestamp         uint64
	CurrentRootHash   []byte
}

func (r *RoundInfo) GetRound() uint64 {
	if r == nil {
		return 0
	}
	return r.RoundNumber
}

// LedgerInfo is finalized execution state plus the commit proof metadata a
// QC carries once it also commits a block.
type LedgerInfo struct {
	_            struct{} `cbor:",toarray"`
	Epoch        Epoch
	Round        uint64 // the round this ledger info commits, 0 if non-committing
	Hash         []byte
	PreviousHash []byte
	Timestamp    uint64
}

// QuorumCert is a vote-set over a block id at (epoch,round) from at least a
// quorum of voting power.
type QuorumCert struct {
	_                struct{} `cbor:",toarray"`
	VoteInfo         *RoundInfo
	LedgerCommitInfo *LedgerInfo
	Signers          []Author
	Signatures       [][]byte
}

// GetRound returns the round the QC is *for* (i.e. the round it votes on),
// tolerating a nil receiver.
func (qc *QuorumCert) GetRound() uint64 {
	if qc == nil || qc.VoteInfo == nil {
		return 0
	}
	return qc.VoteInfo.RoundNumber
}

// GetParentRound returns the round the certified block itself extends.
func (qc *QuorumCert) GetParentRound() uint64 {
	if qc == nil || qc.VoteInfo == nil {
		return 0
	}
	return qc.VoteInfo.ParentRoundNumber
}

// CommitsBlock reports whether this QC also finalizes a ledger state (i.e.
// it is a 3-chain commit certificate): a zero commit round means non-commit.
func (qc *QuorumCert) CommitsBlock() bool {
	return qc != nil && qc.LedgerCommitInfo != nil && qc.LedgerCommitInfo.Round != 0
}

// TimeoutCert aggregates timeout votes for a round from a quorum of voting
// power, analogous to a QuorumCert but over "no progress" rather than a
// block.
type TimeoutCert struct {
	_          struct{} `cbor:",toarray"`
	Epoch      Epoch
	Round      uint64
	HighQCRound uint64 // highest QC round among timing-out validators
	Signers    []Author
	Signatures [][]byte
}

func (tc *TimeoutCert) GetRound() uint64 {
	if tc == nil {
		return 0
	}
	return tc.Round
}

// SyncInfo carries the highest known QC/TC, used to recover lagging peers.
type SyncInfo struct {
	_       struct{} `cbor:",toarray"`
	HighQC  *QuorumCert
	HighTC  *TimeoutCert
}

// HighestRound returns the furthest round SyncInfo attests to.
func (s *SyncInfo) HighestRound() uint64 {
	r := s.HighQC.GetRound()
	if tr := s.HighTC.GetRound(); tr > r {
		r = tr
	}
	return r
}

func (s *SyncInfo) String() string {
	return fmt.Sprintf("SyncInfo{highQC=%d,highTC=%d}", s.HighQC.GetRound(), s.HighTC.GetRound())
}

// GenesisRound and GenesisEpoch identify the sentinel genesis block, which
// is its own commit certificate (no prior round commits it).
const (
	GenesisRound uint64 = 0
	GenesisEpoch Epoch  = 0
)

// RecoveryData is what the local block store hands the round manager on
// startup : either full state to resume directly, or a round
// number only, which forces a recovery manager to catch up first.
type RecoveryData struct {
	Full    *FullRecoveryData
	Partial *PartialRecoveryData
}

// FullRecoveryData lets the round manager resume immediately.
type FullRecoveryData struct {
	RootBlock *BlockData
	LastVote  any // *Vote, kept as any to avoid an import cycle with consensus
	Pending   []*BlockData
	QCs       []*QuorumCert
}

// PartialRecoveryData only names the last committed round; the node must
// fetch and catch up via block retrieval before promoting to full
// operation.
type PartialRecoveryData struct {
	CommittedRound uint64
}
