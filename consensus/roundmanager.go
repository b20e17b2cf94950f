package consensus

import (
	"fmt"
	"log/slog"

	"github.com/quorumchain/validator/consensus/blockstore"
	"github.com/quorumchain/validator/leader"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/safetyrules"
	"github.com/quorumchain/validator/types"
)

// NetworkSender is the narrow outbound contract the round manager needs;
// network/libp2pnet provides the real implementation, internal/testutils
// provides an in-memory fake (network messages).
type NetworkSender interface {
	SendProposal(to types.Author, msg *types.ProposalMsg) error
	SendVote(to types.Author, msg *types.VoteMsg) error
	BroadcastTimeout(msg *types.TimeoutMsg) error
}

// CommitCallback is invoked whenever the block store advances its root,
// wiring the round manager to the data manager / ledger store without a
// direct import.
type CommitCallback func(committed *blockstore.ExecutedBlock, commitQC *types.QuorumCert)

// RoundManager drives the per-round vote/timeout/sync state machine.
// Exactly one instance is live per epoch, installed and torn down by
// epoch.Manager.
type RoundManager struct {
	epoch      types.Epoch
	author     types.Author
	validators *types.ValidatorSet

	election  leader.Election
	round     *RoundState
	store     *blockstore.BlockStore
	proposals *ProposalGenerator
	safety    *safetyrules.SafetyModule
	network   NetworkSender

	votes    *VoteAggregator
	timeouts *TimeoutAggregator

	lastRoundTC *types.TimeoutCert
	onCommit    CommitCallback

	log *slog.Logger
}

// RoundManagerConfig bundles RoundManager's collaborators.
type RoundManagerConfig struct {
	Epoch      types.Epoch
	Author     types.Author
	Validators *types.ValidatorSet
	Election   leader.Election
	Round      *RoundState
	Store      *blockstore.BlockStore
	Proposals  *ProposalGenerator
	Safety     *safetyrules.SafetyModule
	Network    NetworkSender
	OnCommit   CommitCallback
	Log        *slog.Logger
}

// NewRoundManager constructs a RoundManager from cfg.
func NewRoundManager(cfg RoundManagerConfig) *RoundManager {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	return &RoundManager{
		epoch:      cfg.Epoch,
		author:     cfg.Author,
		validators: cfg.Validators,
		election:   cfg.Election,
		round:      cfg.Round,
		store:      cfg.Store,
		proposals:  cfg.Proposals,
		safety:     cfg.Safety,
		network:    cfg.Network,
		votes:      NewVoteAggregator(cfg.Validators),
		timeouts:   NewTimeoutAggregator(cfg.Validators),
		onCommit:   cfg.OnCommit,
		log:        log,
	}
}

// ProcessNewRound is called when the round advances (by QC, TC, or
// recovery): if this validator is the round's leader, build and broadcast
// a proposal.
func (rm *RoundManager) ProcessNewRound(round uint64) error {
	if rm.election.GetLeader(round) != rm.author {
		return nil
	}
	block, err := rm.proposals.Generate(rm.epoch, round)
	if err != nil {
		return fmt.Errorf("generating proposal for round %d: %w", round, err)
	}
	proposal := &types.ProposalMsg{Block: block, SyncInfo: rm.round.SyncInfo()}
	sig, err := rm.safety.SignProposal(proposal)
	if err != nil {
		return fmt.Errorf("signing proposal: %w", err)
	}
	_ = sig // not attached: ProposalMsg has no signature field and the network envelope carries none

	for _, a := range rm.validators.Authors() {
		if a == rm.author {
			continue
		}
		if err := rm.network.SendProposal(a, proposal); err != nil {
			rm.log.Warn("sending proposal failed", logger.Author(string(a)), logger.Error(err))
		}
	}
	return rm.ProcessProposal(proposal)
}

// ProcessProposal validates, executes, and (if safe) votes on a proposal,
// sending the vote to the next round's leader.
func (rm *RoundManager) ProcessProposal(msg *types.ProposalMsg) error {
	block := msg.Block
	if block.Epoch != rm.epoch {
		return fmt.Errorf("proposal epoch %d does not match current epoch %d", block.Epoch, rm.epoch)
	}
	rm.processSyncInfo(msg.SyncInfo)

	stateHash, err := rm.store.Add(block)
	if err != nil {
		return fmt.Errorf("adding proposed block: %w", err)
	}

	vote, err := rm.safety.MakeVote(block, stateHash, rm.lastRoundTC)
	if err != nil {
		rm.log.Info("not voting for proposal", logger.Round(block.Round), logger.Error(err))
		return nil
	}

	nextLeader := rm.election.GetLeader(block.Round + 1)
	voteMsg := &types.VoteMsg{Vote: vote, SyncInfo: rm.round.SyncInfo()}
	if nextLeader == rm.author {
		return rm.ProcessVote(voteMsg)
	}
	return rm.network.SendVote(nextLeader, voteMsg)
}

// ProcessVote folds an incoming vote into the round's aggregator,
// advancing the round and triggering commit processing once a QC forms.
func (rm *RoundManager) ProcessVote(msg *types.VoteMsg) error {
	rm.processSyncInfo(msg.SyncInfo)

	qc := rm.votes.AddVote(msg.Vote)
	if qc == nil {
		return nil
	}
	return rm.processQC(qc)
}

// ProcessTimeout folds an incoming timeout message into the round's
// timeout aggregator, forming a TC once a quorum of voting power is
// reached.
func (rm *RoundManager) ProcessTimeout(msg *types.TimeoutMsg, sig []byte) error {
	rm.processSyncInfo(msg.SyncInfo)

	tc := rm.timeouts.AddTimeout(msg, sig)
	if tc == nil {
		return nil
	}
	return rm.processTC(tc)
}

func (rm *RoundManager) processQC(qc *types.QuorumCert) error {
	committed, err := rm.store.ProcessQc(qc)
	if err != nil {
		return fmt.Errorf("processing QC: %w", err)
	}
	rm.votes.Forget(qc.GetRound())
	if committed != nil && rm.onCommit != nil {
		rm.onCommit(committed, qc)
	}
	if advance, next := rm.round.RecordQC(qc); advance {
		rm.lastRoundTC = nil
		return rm.ProcessNewRound(next)
	}
	return nil
}

func (rm *RoundManager) processTC(tc *types.TimeoutCert) error {
	if err := rm.store.ProcessTc(tc); err != nil {
		return fmt.Errorf("processing TC: %w", err)
	}
	rm.timeouts.Forget(tc.Round)
	if advance, next := rm.round.RecordTC(tc); advance {
		rm.lastRoundTC = tc
		return rm.ProcessNewRound(next)
	}
	return nil
}

// LocalTimeout is called when this validator's own round timer fires: it
// signs and broadcasts a timeout message (Pacemaker).
func (rm *RoundManager) LocalTimeout(round uint64) error {
	rm.round.RecordTimeout()
	highQC := rm.store.GetHighQc()
	msg := &types.TimeoutMsg{
		Epoch:  rm.epoch,
		Round:  round,
		HighQC: highQC,
		Author: rm.author,
	}
	sig, err := rm.safety.SignTimeout(msg, rm.lastRoundTC)
	if err != nil {
		return fmt.Errorf("signing timeout: %w", err)
	}
	msg.Signature = sig
	msg.SyncInfo = rm.round.SyncInfo()
	if err := rm.network.BroadcastTimeout(msg); err != nil {
		return fmt.Errorf("broadcasting timeout: %w", err)
	}
	return rm.ProcessTimeout(msg, sig)
}

func (rm *RoundManager) processSyncInfo(si *types.SyncInfo) {
	if si == nil {
		return
	}
	if si.HighQC != nil {
		if _, err := rm.store.ProcessQc(si.HighQC); err != nil {
			rm.log.Warn("processing sync-info QC failed", logger.Error(err))
		} else {
			rm.round.RecordQC(si.HighQC)
		}
	}
	if si.HighTC != nil {
		rm.round.RecordTC(si.HighTC)
	}
}
