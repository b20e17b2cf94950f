// Package safetyrules implements the single append-only guard a validator
// consults before casting any vote or timeout: it is the only component
// allowed to move the "highest voted round" / "highest QC round" watermarks
// that make equivocation impossible.
package safetyrules

import (
	"fmt"

	"github.com/quorumchain/validator/crypto"
	"github.com/quorumchain/validator/types"
)

// SafetyStorage persists the two watermarks safety rules must never forget
// across restarts: the highest round voted, and the highest QC round seen.
// Implementations must make both updates in SetHighestQcRound atomic with
// each other ("the safety rules' persisted watermark updates are
// the one place a crash between two writes must not regress safety").
type SafetyStorage interface {
	GetHighestVotedRound() uint64
	SetHighestVotedRound(round uint64) error
	GetHighestQcRound() uint64
	SetHighestQcRound(qcRound, votedRound uint64) error
}

// SafetyModule is the in-process safety rules actor. Exactly one instance
// exists per validator and is called only by the round manager; it holds no
// lock of its own, and the pipeline's signing phase signs with the signer
// directly rather than through this module.
type SafetyModule struct {
	author   types.Author
	signer   crypto.Signer
	verifier crypto.Verifier
	storage  SafetyStorage
}

// NewSafetyModule constructs a SafetyModule for author, deriving its
// verifier from signer.
func NewSafetyModule(author types.Author, signer crypto.Signer, storage SafetyStorage) (*SafetyModule, error) {
	verifier, err := signer.Verifier()
	if err != nil {
		return nil, fmt.Errorf("deriving verifier: %w", err)
	}
	return &SafetyModule{
		author:   author,
		signer:   signer,
		verifier: verifier,
		storage:  storage,
	}, nil
}

// isConsecutive reports whether blockRound immediately follows round, i.e.
// blockRound == round+1.
func isConsecutive(blockRound, round uint64) bool {
	return blockRound == round+1
}

// isSafeToVote checks the three safety conditions a proposal must satisfy
// before MakeVote will sign it: it extends its own QC's round, it is
// strictly newer than any round already voted, and if the previous round
// timed out, the block is consistent with that timeout certificate. A
// validator must never vote twice in a round, nor vote for a block that
// does not extend the highest known QC without a valid TC.
func (s *SafetyModule) isSafeToVote(block *types.BlockData, lastRoundTC *types.TimeoutCert) error {
	if block == nil {
		return fmt.Errorf("block is nil")
	}
	if block.QC == nil || block.QC.VoteInfo == nil {
		return fmt.Errorf("block round %d does not extend from block qc round 0", block.Round)
	}
	qcRound := block.QC.VoteInfo.RoundNumber

	highestVoted := s.storage.GetHighestVotedRound()
	if block.Round <= highestVoted {
		return fmt.Errorf("already voted for round %d, last voted round %d", block.Round, highestVoted)
	}

	if isConsecutive(block.Round, qcRound) {
		return nil
	}

	if lastRoundTC == nil {
		return fmt.Errorf("block round %d does not extend from block qc round %d", block.Round, qcRound)
	}
	if !isConsecutive(block.Round, lastRoundTC.Round) {
		return fmt.Errorf("block round %d does not extend timeout certificate round %d", block.Round, lastRoundTC.Round)
	}
	if qcRound < lastRoundTC.HighQCRound {
		return fmt.Errorf("block qc round %d is smaller than timeout certificate highest qc round %d", qcRound, lastRoundTC.HighQCRound)
	}
	return nil
}

// isSafeToTimeout checks the safety condition a round's timeout must
// satisfy before SignTimeout will sign it: the high QC round presented must
// not regress below what was already seen, the round must not already have
// been timed out or voted past, and the round must follow either the
// highest QC round or the last round's TC (Pacemaker).
func (s *SafetyModule) isSafeToTimeout(round, hqcRound uint64, lastRoundTC *types.TimeoutCert) error {
	highestQcRound := s.storage.GetHighestQcRound()
	if hqcRound < highestQcRound {
		return fmt.Errorf("qc round %d is smaller than highest qc round %d seen", hqcRound, highestQcRound)
	}
	highestVoted := s.storage.GetHighestVotedRound()
	if round < highestVoted {
		return fmt.Errorf("timeout round %d is in the past, already signed vote for round %d", round, highestVoted)
	}
	if round == highestVoted && hqcRound == round {
		return fmt.Errorf("timeout round %d is in the past, timeout msg high qc is for round %d", round, hqcRound)
	}

	lastTCRound := lastRoundTC.GetRound()
	if isConsecutive(round, hqcRound) || isConsecutive(round, lastTCRound) {
		return nil
	}
	return fmt.Errorf("round %d does not follow last qc round %d or tc round %d", round, hqcRound, lastTCRound)
}

// isCommitCandidate returns the state hash block's QC's parent commits, or
// nil if block does not carry a 3-chain commit ("a QC at round r
// whose parent is round r-1 commits the grandparent").
func (s *SafetyModule) isCommitCandidate(block *types.BlockData) []byte {
	if block == nil || block.QC == nil || block.QC.VoteInfo == nil {
		return nil
	}
	if !isConsecutive(block.Round, block.QC.VoteInfo.RoundNumber) {
		return nil
	}
	return block.QC.VoteInfo.CurrentRootHash
}

// constructCommitInfo derives the LedgerInfo this vote carries: committing
// state if block is a commit candidate, otherwise a non-committing
// LedgerInfo that still chains PreviousHash for the next vote's hash
// binding.
func (s *SafetyModule) constructCommitInfo(block *types.BlockData, voteInfoHash []byte) *types.LedgerInfo {
	info := &types.LedgerInfo{PreviousHash: voteInfoHash}
	if hash := s.isCommitCandidate(block); hash != nil {
		info.Round = block.QC.VoteInfo.RoundNumber
		info.Epoch = block.QC.VoteInfo.Epoch
		info.Hash = hash
	}
	return info
}

// MakeVote validates and, if safe, signs a Vote for block, updating the
// persisted watermarks atomically with the signature . stateHash
// is the execution result's root hash for this block's round.
func (s *SafetyModule) MakeVote(block *types.BlockData, stateHash []byte, lastRoundTC *types.TimeoutCert) (*types.Vote, error) {
	if block == nil {
		return nil, fmt.Errorf("block is nil")
	}
	if block.QC == nil {
		return nil, fmt.Errorf("block is missing quorum certificate")
	}
	if err := s.isSafeToVote(block, lastRoundTC); err != nil {
		return nil, fmt.Errorf("not safe to vote: %w", err)
	}

	voteInfo := &types.RoundInfo{
		Epoch:             block.Epoch,
		RoundNumber:       block.Round,
		ParentRoundNumber: block.QC.VoteInfo.RoundNumber,
		CurrentRootHash:   stateHash,
		Timestamp:         block.TimestampUs,
	}
	id, err := types.HashOf(voteInfo)
	if err != nil {
		return nil, fmt.Errorf("hashing vote info: %w", err)
	}
	voteInfo.BlockID = id

	commitInfo := s.constructCommitInfo(block, id[:])

	sig, err := s.signVoteData(voteInfo, commitInfo)
	if err != nil {
		return nil, fmt.Errorf("signing vote: %w", err)
	}

	if err := s.storage.SetHighestQcRound(block.QC.VoteInfo.RoundNumber, block.Round); err != nil {
		return nil, fmt.Errorf("persisting watermarks: %w", err)
	}

	return &types.Vote{
		VoteInfo:         voteInfo,
		LedgerCommitInfo: commitInfo,
		Author:           s.author,
		Signature:        sig,
	}, nil
}

func (s *SafetyModule) signVoteData(voteInfo *types.RoundInfo, commitInfo *types.LedgerInfo) ([]byte, error) {
	payload, err := types.MarshalCanonical(struct {
		VoteInfo   *types.RoundInfo
		CommitInfo *types.LedgerInfo
	}{voteInfo, commitInfo})
	if err != nil {
		return nil, err
	}
	return s.signer.SignBytes(payload)
}

// SignProposal signs a block proposal authored by this validator, the
// first safety check a leader applies to its own block before broadcasting
// it.
func (s *SafetyModule) SignProposal(proposal *types.ProposalMsg) ([]byte, error) {
	if proposal == nil || proposal.Block == nil {
		return nil, fmt.Errorf("proposal is nil")
	}
	if proposal.Block.Payload == nil {
		return nil, fmt.Errorf("block is missing payload")
	}
	if proposal.Block.QC == nil {
		return nil, fmt.Errorf("block is missing quorum certificate")
	}
	payload, err := types.MarshalCanonical(proposal.Block)
	if err != nil {
		return nil, fmt.Errorf("encoding block: %w", err)
	}
	return s.signer.SignBytes(payload)
}

// SignTimeout validates and signs a round timeout, persisting the new
// highest voted round before returning the signature.
func (s *SafetyModule) SignTimeout(msg *types.TimeoutMsg, lastRoundTC *types.TimeoutCert) ([]byte, error) {
	if msg == nil || msg.HighQC == nil || msg.HighQC.VoteInfo == nil {
		return nil, fmt.Errorf("timeout message not valid, invalid timeout data: missing high qc")
	}
	hqcRound := msg.HighQC.VoteInfo.RoundNumber
	if msg.Round <= hqcRound {
		return nil, fmt.Errorf("timeout message not valid, invalid timeout data: timeout round (%d) must be greater than high QC round (%d)", msg.Round, hqcRound)
	}
	if err := s.isSafeToTimeout(msg.Round, hqcRound, lastRoundTC); err != nil {
		return nil, fmt.Errorf("not safe to timeout: %w", err)
	}

	payload, err := types.MarshalCanonical(struct {
		Epoch  types.Epoch
		Round  uint64
		HighQC *types.QuorumCert
	}{msg.Epoch, msg.Round, msg.HighQC})
	if err != nil {
		return nil, fmt.Errorf("encoding timeout: %w", err)
	}
	sig, err := s.signer.SignBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("signing timeout: %w", err)
	}
	if err := s.storage.SetHighestVotedRound(msg.Round); err != nil {
		return nil, fmt.Errorf("persisting highest voted round: %w", err)
	}
	return sig, nil
}
