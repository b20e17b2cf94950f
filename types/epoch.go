// Package types holds the wire and domain data model shared by every
// component: epochs, logical time, validator sets, batches/fragments,
// proofs-of-store, blocks, certificates and recovery data.
package types

import (
	"fmt"
)

// Author identifies the validator that produced a message. Backed by a
// libp2p peer id string at the network boundary (network/libp2pnet), kept
// as a plain string here so the data model has no transport dependency.
type Author string

// Epoch is a monotonic 64-bit counter; a fixed validator set governs for
// its duration.
type Epoch uint64

// LogicalTime is (epoch, round) in strict lexicographic order, the
// canonical notion of progress used for batch expiry and cross-actor
// liveness checks.
type LogicalTime struct {
	Epoch Epoch
	Round uint64
}

// Less reports whether t happens strictly before o.
func (t LogicalTime) Less(o LogicalTime) bool {
	if t.Epoch != o.Epoch {
		return t.Epoch < o.Epoch
	}
	return t.Round < o.Round
}

// LessOrEqual reports whether t happens before or at the same time as o.
func (t LogicalTime) LessOrEqual(o LogicalTime) bool {
	return t == o || t.Less(o)
}

func (t LogicalTime) String() string {
	return fmt.Sprintf("(epoch=%d,round=%d)", t.Epoch, t.Round)
}

// ValidatorInfo is one member of an epoch's validator set.
type ValidatorInfo struct {
	_            struct{} `cbor:",toarray"`
	Author       Author
	VotingPower  uint64
	PublicKey    []byte
}

// ValidatorSet is the frozen, ordered set of authors governing an epoch. A
// 2f+1 quorum is defined on voting power, not headcount.
type ValidatorSet struct {
	Validators []ValidatorInfo
}

// NewValidatorSet builds a ValidatorSet, rejecting an empty proposer set
// since leader election has nothing to elect from.
func NewValidatorSet(validators []ValidatorInfo) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, fmt.Errorf("validator set must not be empty")
	}
	return &ValidatorSet{Validators: validators}, nil
}

// TotalVotingPower sums voting power across all validators.
func (vs *ValidatorSet) TotalVotingPower() uint64 {
	var total uint64
	for _, v := range vs.Validators {
		total += v.VotingPower
	}
	return total
}

// QuorumThreshold returns the minimum voting power, expressed as
// floor(2*total/3)+1, that constitutes a 2f+1 quorum.
func (vs *ValidatorSet) QuorumThreshold() uint64 {
	total := vs.TotalVotingPower()
	return (2*total)/3 + 1
}

// VotingPower returns the voting power of author, or 0 if not a member.
func (vs *ValidatorSet) VotingPower(author Author) uint64 {
	for _, v := range vs.Validators {
		if v.Author == author {
			return v.VotingPower
		}
	}
	return 0
}

// Contains reports whether author is a member of the set.
func (vs *ValidatorSet) Contains(author Author) bool {
	return vs.VotingPower(author) > 0
}

// Authors returns the ordered list of authors, used by rotating/fixed
// proposer election.
func (vs *ValidatorSet) Authors() []Author {
	out := make([]Author, len(vs.Validators))
	for i, v := range vs.Validators {
		out[i] = v.Author
	}
	return out
}

// Len returns the number of validators in the set.
func (vs *ValidatorSet) Len() int { return len(vs.Validators) }

// EpochChangeProof carries the next validator set, signed by the previous
// epoch's quorum, proving the epoch transition. The next epoch's
// validators are authenticated by checking Signatures against the
// *previous* ValidatorSet's quorum threshold.
type EpochChangeProof struct {
	_             struct{} `cbor:",toarray"`
	LedgerInfo    *LedgerInfo
	NextValidators *ValidatorSet
}

// OnChainConsensusConfig is the subset of on-chain config the epoch manager
// parses out of a reconfiguration payload when a new epoch starts.
type OnChainConsensusConfig struct {
	UseQuorumStore      bool
	DecoupledExecution  bool
	ProposerElectionType ProposerElectionType
}

// ProposerElectionType selects among the proposer election variants.
type ProposerElectionType int

const (
	ProposerElectionRotating ProposerElectionType = iota
	ProposerElectionFixed
	ProposerElectionRoundProposer
	ProposerElectionLeaderReputation
)

// EpochState bundles the frozen validator set, the on-chain consensus
// config and a quorum checker for one epoch's lifetime.
type EpochState struct {
	Epoch      Epoch
	Validators *ValidatorSet
	Config     OnChainConsensusConfig
}

// IsQuorum reports whether the given signer set meets the epoch's 2f+1
// voting-power threshold. Duplicate authors are only counted once.
func (es *EpochState) IsQuorum(signers []Author) bool {
	seen := make(map[Author]struct{}, len(signers))
	var power uint64
	for _, a := range signers {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		power += es.Validators.VotingPower(a)
	}
	return power >= es.Validators.QuorumThreshold()
}
