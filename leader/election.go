// Package leader implements the proposer-election variants: rotating,
// fixed, explicit round-proposer table, and reputation-weighted sampling,
// selected by on-chain config.
package leader

import (
	"errors"

	"github.com/quorumchain/validator/types"
)

// ErrEmptyProposerSet is returned when an election is constructed over an
// empty validator set (boundary).
var ErrEmptyProposerSet = errors.New("leader: proposer set must not be empty")

// Election chooses the leader(s) for a round. Implementations must be
// deterministic given the same validator set and round, since every honest
// validator computes proposer election independently.
type Election interface {
	GetLeader(round uint64) types.Author
}

// Rotating cycles through proposers in order, holding each leader for
// ContiguousRounds rounds before advancing ("Rotating").
type Rotating struct {
	Proposers        []types.Author
	ContiguousRounds uint64
}

// NewRotating builds a Rotating election over proposers, rejecting an
// empty set at construction (boundary: "Leader election with empty
// proposer set: rejected at construction").
func NewRotating(proposers []types.Author, contiguousRounds uint64) (*Rotating, error) {
	if len(proposers) == 0 {
		return nil, ErrEmptyProposerSet
	}
	if contiguousRounds == 0 {
		contiguousRounds = 1
	}
	return &Rotating{Proposers: proposers, ContiguousRounds: contiguousRounds}, nil
}

func (r *Rotating) GetLeader(round uint64) types.Author {
	idx := (round / r.ContiguousRounds) % uint64(len(r.Proposers))
	return r.Proposers[idx]
}

// Fixed always returns the same validator regardless of round, chosen by
// ChooseLeader at construction ("Fixed").
type Fixed struct {
	leader types.Author
}

// ChooseLeaderFunc picks the fixed leader out of proposers; the default is
// the first author in the set (lowest author wins ties elsewhere in the
// codebase).
type ChooseLeaderFunc func(proposers []types.Author) types.Author

// NewFixed builds a Fixed election, applying choose (or the first-author
// default if nil) over proposers.
func NewFixed(proposers []types.Author, choose ChooseLeaderFunc) (*Fixed, error) {
	if len(proposers) == 0 {
		return nil, ErrEmptyProposerSet
	}
	if choose == nil {
		choose = func(p []types.Author) types.Author { return p[0] }
	}
	return &Fixed{leader: choose(proposers)}, nil
}

func (f *Fixed) GetLeader(uint64) types.Author { return f.leader }

// RoundProposer is an explicit (round -> author) table with a default
// fallback for unlisted rounds ("Round-Proposer").
type RoundProposer struct {
	table   map[uint64]types.Author
	fallback types.Author
}

// NewRoundProposer builds a RoundProposer election, rejecting an empty
// fallback proposer.
func NewRoundProposer(table map[uint64]types.Author, fallback types.Author) (*RoundProposer, error) {
	if fallback == "" && len(table) == 0 {
		return nil, ErrEmptyProposerSet
	}
	return &RoundProposer{table: table, fallback: fallback}, nil
}

func (r *RoundProposer) GetLeader(round uint64) types.Author {
	if a, ok := r.table[round]; ok {
		return a
	}
	return r.fallback
}
