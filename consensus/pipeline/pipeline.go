package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quorumchain/validator/crypto"
	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/types"
)

// Pipeline wires the three commit-pipeline phase actors and the buffer
// manager together behind a single ordered-blocks input channel, owning
// the channels connecting them.
type Pipeline struct {
	ordered chan *types.BlockData

	execution *ExecutionPhase
	signing   *SigningPhase
	buffer    *BufferManager
	persist   *PersistingPhase

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles a Pipeline's collaborators.
type Config struct {
	Self             types.Author
	Signer           crypto.Signer
	Engine           external.ExecutionEngine
	Resolver         PayloadResolver
	Ledger           external.LedgerStore
	Mempool          external.Mempool
	Validators       Validators
	CommitVotes      CommitVoteBroadcaster
	CommitDecisions  CommitDecisionBroadcaster
	ParentStateHash  []byte
	OrderedChanSize  int
	OnCommit         func(ledgerInfo *types.LedgerInfo, block *types.BlockData)
	Log              *slog.Logger
}

// New constructs a Pipeline. Call Start to begin running its actors and
// Submit to feed it ordered blocks.
func New(cfg Config) *Pipeline {
	if cfg.OrderedChanSize <= 0 {
		cfg.OrderedChanSize = 16
	}
	executedCh := make(chan *executedItem, cfg.OrderedChanSize)
	persistCh := make(chan *persistRequest, cfg.OrderedChanSize)
	ordered := make(chan *types.BlockData, cfg.OrderedChanSize)

	buffer := NewBufferManager(cfg.Validators, cfg.CommitDecisions, persistCh, cfg.Log)
	execution := NewExecutionPhase(ordered, executedCh, cfg.Engine, cfg.Resolver, cfg.ParentStateHash, cfg.Log)
	signing := NewSigningPhase(executedCh, cfg.Self, cfg.Signer, buffer, cfg.CommitVotes, cfg.Log)
	persist := NewPersistingPhase(persistCh, cfg.Ledger, cfg.Mempool, cfg.OnCommit, cfg.Log)

	return &Pipeline{
		ordered:   ordered,
		execution: execution,
		signing:   signing,
		buffer:    buffer,
		persist:   persist,
	}
}

// Start launches all four actors. Stop must be called to release them.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Add(4)
	go func() { defer p.wg.Done(); p.execution.Run(ctx) }()
	go func() { defer p.wg.Done(); p.signing.Run(ctx) }()
	go func() { defer p.wg.Done(); p.buffer.Run(ctx) }()
	go func() { defer p.wg.Done(); p.persist.Run(ctx) }()
}

// Submit feeds an ordered (QC-certified) block into the pipeline's
// execution phase. The block's commit accumulator opens synchronously
// here, before execution even starts, so a peer's commit vote racing
// ahead of our own execution is never mistaken for a vote on an unknown
// block (see BufferManager.RegisterBlock).
func (p *Pipeline) Submit(block *types.BlockData) {
	p.buffer.RegisterBlock(block)
	p.ordered <- block
}

// HandlePeerCommitVote routes an inbound CommitVoteMsg from the network
// into the buffer manager.
func (p *Pipeline) HandlePeerCommitVote(msg *types.CommitVoteMsg) {
	p.buffer.HandleCommitVote(msg)
}

// Reset drains the buffer manager's pending accumulators for an epoch
// change (ResetRequest{tx, stop}); stop additionally tears down
// every actor.
func (p *Pipeline) Reset(stop bool) {
	p.buffer.Reset(stop)
	if stop {
		p.Stop()
	}
}

// Stop cancels every actor's context and waits for them to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}
