package consensus

import (
	"sync"

	"github.com/quorumchain/validator/types"
)

// VoteAggregator collects votes for a given round's block until a quorum
// of voting power is reached, then emits the resulting QuorumCert. A
// separate aggregator also exists for timeouts (TimeoutAggregator), since
// a QC and a TC are built the same way over different vote shapes.
type VoteAggregator struct {
	mu         sync.Mutex
	validators *types.ValidatorSet
	byRound    map[uint64]*voteBucket
}

type voteBucket struct {
	voteInfo   *types.RoundInfo
	commitInfo *types.LedgerInfo
	signers    []types.Author
	sigs       [][]byte
	done       bool
}

// NewVoteAggregator constructs a VoteAggregator bound to validators.
func NewVoteAggregator(validators *types.ValidatorSet) *VoteAggregator {
	return &VoteAggregator{validators: validators, byRound: make(map[uint64]*voteBucket)}
}

// AddVote folds in a single validator's vote, returning the resulting QC
// once a quorum of voting power is reached (nil otherwise). Votes from an
// already-closed round, or a second vote from the same author, are
// ignored (safety rules guarantee an honest peer sends at most one, but a
// byzantine peer might resend).
func (a *VoteAggregator) AddVote(vote *types.Vote) *types.QuorumCert {
	a.mu.Lock()
	defer a.mu.Unlock()

	round := vote.GetRound()
	b, ok := a.byRound[round]
	if !ok {
		b = &voteBucket{voteInfo: vote.VoteInfo, commitInfo: vote.LedgerCommitInfo}
		a.byRound[round] = b
	}
	if b.done {
		return nil
	}
	for _, s := range b.signers {
		if s == vote.Author {
			return nil
		}
	}
	b.signers = append(b.signers, vote.Author)
	b.sigs = append(b.sigs, vote.Signature)

	var power uint64
	for _, s := range b.signers {
		power += a.validators.VotingPower(s)
	}
	if power < a.validators.QuorumThreshold() {
		return nil
	}
	b.done = true
	return &types.QuorumCert{
		VoteInfo:         b.voteInfo,
		LedgerCommitInfo: b.commitInfo,
		Signers:          append([]types.Author{}, b.signers...),
		Signatures:       append([][]byte{}, b.sigs...),
	}
}

// Forget drops state for a round once it has been certified or pruned.
func (a *VoteAggregator) Forget(round uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byRound, round)
}

// TimeoutAggregator collects timeout votes for a round into a TC the same
// way VoteAggregator builds a QC.
type TimeoutAggregator struct {
	mu         sync.Mutex
	validators *types.ValidatorSet
	byRound    map[uint64]*timeoutBucket
}

type timeoutBucket struct {
	epoch       types.Epoch
	highQCRound uint64
	signers     []types.Author
	sigs        [][]byte
	done        bool
}

// NewTimeoutAggregator constructs a TimeoutAggregator bound to validators.
func NewTimeoutAggregator(validators *types.ValidatorSet) *TimeoutAggregator {
	return &TimeoutAggregator{validators: validators, byRound: make(map[uint64]*timeoutBucket)}
}

// AddTimeout folds in a single validator's timeout message, returning the
// resulting TC once a quorum of voting power is reached.
func (a *TimeoutAggregator) AddTimeout(msg *types.TimeoutMsg, sig []byte) *types.TimeoutCert {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.byRound[msg.Round]
	if !ok {
		b = &timeoutBucket{epoch: msg.Epoch}
		a.byRound[msg.Round] = b
	}
	if b.done {
		return nil
	}
	for _, s := range b.signers {
		if s == msg.Author {
			return nil
		}
	}
	if msg.HighQC.GetRound() > b.highQCRound {
		b.highQCRound = msg.HighQC.GetRound()
	}
	b.signers = append(b.signers, msg.Author)
	b.sigs = append(b.sigs, sig)

	var power uint64
	for _, s := range b.signers {
		power += a.validators.VotingPower(s)
	}
	if power < a.validators.QuorumThreshold() {
		return nil
	}
	b.done = true
	return &types.TimeoutCert{
		Epoch:       b.epoch,
		Round:       msg.Round,
		HighQCRound: b.highQCRound,
		Signers:     append([]types.Author{}, b.signers...),
		Signatures:  append([][]byte{}, b.sigs...),
	}
}

// Forget drops state for a round once it has been certified or pruned.
func (a *TimeoutAggregator) Forget(round uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byRound, round)
}
