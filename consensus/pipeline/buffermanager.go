// Package pipeline implements the decoupled commit pipeline that
// carries an ordered block through execution, signing, and persisting as
// three concurrent actors fanned together by a buffer manager, used in
// place of the round manager's chained 3-vote commit rule once on-chain
// config enables decoupled execution.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// CommitVoteBroadcaster sends a locally-signed CommitVoteMsg to every peer.
type CommitVoteBroadcaster interface {
	BroadcastCommitVote(msg *types.CommitVoteMsg) error
}

// CommitDecisionBroadcaster announces a block's commit once a quorum of
// CommitVotes has been assembled.
type CommitDecisionBroadcaster interface {
	BroadcastCommitDecision(msg *types.CommitDecisionMsg) error
}

// Validators is the quorum-accounting view the buffer manager needs,
// narrower than *types.ValidatorSet so it can be faked in tests.
type Validators interface {
	QuorumThreshold() uint64
	VotingPower(author types.Author) uint64
	VerifyCommitVote(msg *types.CommitVoteMsg) error
}

// ResetRequest drains the buffer manager's in-flight accumulators for an
// epoch change; Stop additionally terminates the Run loop. Tx is closed
// once the drain completes, the one-shot close/ack protocol every
// long-lived actor exposes.
type ResetRequest struct {
	Tx   chan struct{}
	Stop bool
}

// persistRequest is what the buffer manager hands the persisting phase
// once a block's CommitDecision is ready. Txns never crosses the wire,
// only the LedgerInfo/Signers/Signatures do (that is CommitDecisionMsg);
// this struct is the local-only bundle the persisting phase needs to also
// notify the mempool.
type persistRequest struct {
	Decision *types.CommitDecisionMsg
	Block    *types.BlockData
	Txns     [][]byte
}

type commitAccumulator struct {
	block      *types.BlockData
	txns       [][]byte
	stateHash  []byte
	signers    []types.Author
	signatures [][]byte
	seen       map[types.Author]bool
	power      uint64
	// executed is set once this node's own signing phase has produced
	// txns/stateHash; quorum is only honored after that point, since
	// finalizing earlier (on peer votes alone) would persist a
	// CommitDecision with no local txn list to hand the mempool.
	executed bool
}

// BufferManager fans in CommitVoteMsg from every validator (self included,
// via the signing phase) keyed by block id, and emits a CommitDecisionMsg
// plus a persistRequest once a quorum of voting power has signed.
type BufferManager struct {
	mu         sync.Mutex
	validators Validators
	decisions  CommitDecisionBroadcaster
	pending    map[types.Digest]*commitAccumulator

	commitVoteCh chan *types.CommitVoteMsg
	resetCh      chan ResetRequest
	persistCh    chan<- *persistRequest
	log          *slog.Logger
}

// NewBufferManager constructs a BufferManager; persistCh is owned by the
// caller (typically Pipeline), which also starts the PersistingPhase
// reading from it.
func NewBufferManager(validators Validators, decisions CommitDecisionBroadcaster, persistCh chan<- *persistRequest, log *slog.Logger) *BufferManager {
	if log == nil {
		log = logger.Nop()
	}
	return &BufferManager{
		validators:   validators,
		decisions:    decisions,
		pending:      make(map[types.Digest]*commitAccumulator),
		commitVoteCh: make(chan *types.CommitVoteMsg, 64),
		resetCh:      make(chan ResetRequest, 1),
		persistCh:    persistCh,
		log:          log,
	}
}

// RegisterBlock opens an accumulator for block the moment it enters the
// pipeline ("Ordered" state), before execution has even begun,
// so a peer's commit vote arriving ahead of our own never finds the
// accumulator missing and gets dropped as if the block were unknown.
func (b *BufferManager) RegisterBlock(block *types.BlockData) {
	id, err := block.ID()
	if err != nil {
		b.log.Error("hashing block for commit accumulator", logger.Error(err), logger.Round(block.GetRound()))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		b.pending[id] = &commitAccumulator{block: block, seen: make(map[types.Author]bool)}
	}
}

// MarkExecuted records this node's own execution result against block's
// accumulator ("Executed"/"Signed" transition) and finalizes
// the commit immediately if enough peer votes already arrived while we
// were still executing.
func (b *BufferManager) MarkExecuted(blockID types.Digest, txns [][]byte, stateHash []byte) {
	b.mu.Lock()
	acc, ok := b.pending[blockID]
	if !ok {
		b.mu.Unlock()
		return
	}
	acc.txns = txns
	acc.stateHash = stateHash
	acc.executed = true
	req, decision := b.tryFinalizeLocked(blockID, acc)
	b.mu.Unlock()
	b.dispatch(req, decision)
}

// HandleCommitVote is the inbound path for a CommitVoteMsg, whether from a
// peer over the network or the local signing phase.
func (b *BufferManager) HandleCommitVote(msg *types.CommitVoteMsg) {
	select {
	case b.commitVoteCh <- msg:
	default:
		b.log.Warn("commit vote channel full, dropping", logger.Author(string(msg.Author)), logger.Round(msg.Round))
	}
}

// Reset submits a ResetRequest and blocks until the buffer manager has
// drained its pending accumulators, mirroring the epoch manager's
// shutdown_current_processor ordering.
func (b *BufferManager) Reset(stop bool) {
	req := ResetRequest{Tx: make(chan struct{}), Stop: stop}
	b.resetCh <- req
	<-req.Tx
}

// Run drives the buffer manager until ctx is cancelled or a ResetRequest
// with Stop=true is processed.
func (b *BufferManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.commitVoteCh:
			b.handleCommitVote(msg)
		case req := <-b.resetCh:
			b.handleReset(req)
			if req.Stop {
				return
			}
		}
	}
}

func (b *BufferManager) handleCommitVote(msg *types.CommitVoteMsg) {
	if err := b.validators.VerifyCommitVote(msg); err != nil {
		b.log.Warn("rejecting commit vote", logger.Error(err), logger.Author(string(msg.Author)), logger.Round(msg.Round))
		return
	}

	b.mu.Lock()
	acc, ok := b.pending[msg.BlockID]
	if !ok {
		b.mu.Unlock()
		// Block not yet registered with this node at all (we haven't even
		// ordered it); the vote is simply too early and is dropped, relying
		// on the peer's own rebroadcast cadence (no-shared-state
		// discipline keeps this actor from reaching into execution's queue).
		return
	}
	if acc.seen[msg.Author] {
		b.mu.Unlock()
		return
	}
	acc.seen[msg.Author] = true
	acc.signers = append(acc.signers, msg.Author)
	acc.signatures = append(acc.signatures, msg.Signature)
	acc.power += b.validators.VotingPower(msg.Author)

	req, decision := b.tryFinalizeLocked(msg.BlockID, acc)
	b.mu.Unlock()
	b.dispatch(req, decision)
}

// tryFinalizeLocked must be called with b.mu held. It finalizes acc into a
// CommitDecision once this node has itself executed the block (acc.executed)
// and a quorum of voting power has signed, removing it from pending either
// way a caller races to call this twice.
func (b *BufferManager) tryFinalizeLocked(blockID types.Digest, acc *commitAccumulator) (*persistRequest, *types.CommitDecisionMsg) {
	if !acc.executed || acc.power < b.validators.QuorumThreshold() {
		return nil, nil
	}
	delete(b.pending, blockID)
	decision := &types.CommitDecisionMsg{
		LedgerInfo: &types.LedgerInfo{
			Epoch: acc.block.Epoch,
			Round: acc.block.Round,
			Hash:  acc.stateHash,
		},
		Signers:    acc.signers,
		Signatures: acc.signatures,
	}
	return &persistRequest{Decision: decision, Block: acc.block, Txns: acc.txns}, decision
}

// dispatch broadcasts decision and enqueues req for the persisting phase,
// a no-op if req is nil (quorum not yet reached).
func (b *BufferManager) dispatch(req *persistRequest, decision *types.CommitDecisionMsg) {
	if req == nil {
		return
	}
	if err := b.decisions.BroadcastCommitDecision(decision); err != nil {
		b.log.Warn("broadcasting commit decision failed", logger.Error(err), logger.Round(decision.LedgerInfo.Round))
	}
	b.persistCh <- req
}

func (b *BufferManager) handleReset(req ResetRequest) {
	b.mu.Lock()
	b.pending = make(map[types.Digest]*commitAccumulator)
	b.mu.Unlock()
	close(req.Tx)
}
