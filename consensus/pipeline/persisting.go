package pipeline

import (
	"context"
	"log/slog"

	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// PersistingPhase is the third commit-pipeline actor: it finalizes a
// block's commit once the buffer manager has assembled a quorum of
// CommitVotes, writing the ledger info and notifying the mempool and the
// caller-supplied post-commit hook.
type PersistingPhase struct {
	in       <-chan *persistRequest
	ledger   external.LedgerStore
	mempool  external.Mempool
	onCommit func(ledgerInfo *types.LedgerInfo, block *types.BlockData)
	log      *slog.Logger
}

// NewPersistingPhase constructs a PersistingPhase. onCommit may be nil.
func NewPersistingPhase(in <-chan *persistRequest, ledger external.LedgerStore, mempool external.Mempool, onCommit func(*types.LedgerInfo, *types.BlockData), log *slog.Logger) *PersistingPhase {
	if log == nil {
		log = logger.Nop()
	}
	return &PersistingPhase{in: in, ledger: ledger, mempool: mempool, onCommit: onCommit, log: log}
}

// Run persists decisions off in until ctx is cancelled or in is closed.
func (p *PersistingPhase) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-p.in:
			if !ok {
				return
			}
			p.persist(req)
		}
	}
}

func (p *PersistingPhase) persist(req *persistRequest) {
	if err := p.ledger.SaveLedgerInfo(req.Decision.LedgerInfo); err != nil {
		// The block is already quorum-certified as committed by peers,
		// so failing to persist it locally leaves this node unable to
		// correctly answer GetLatestLedgerInfo on restart. Logged, not
		// panicked, since the caller (Pipeline) owns restart policy.
		p.log.Error("persisting ledger info failed", logger.Error(err), logger.Round(req.Decision.LedgerInfo.Round))
		return
	}

	p.mempool.NotifyCommitted(req.Txns)

	if p.onCommit != nil {
		p.onCommit(req.Decision.LedgerInfo, req.Block)
	}
}
