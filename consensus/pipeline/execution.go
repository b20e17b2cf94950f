package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// PayloadResolver turns a block's payload (PoS references or inline txns)
// into concrete transaction bytes, the role quorumstore.DataManager plays
// at this boundary (Data Manager).
type PayloadResolver interface {
	Resolve(ctx context.Context, payload *types.Payload) ([][]byte, error)
}

// executedItem is hand-off state from the execution phase to the signing
// phase; it never crosses the wire.
type executedItem struct {
	Block  *types.BlockData
	Txns   [][]byte
	Result *external.StateComputeResult
}

// ExecutionPhase is the first commit-pipeline actor : resolves
// a block's payload and hands it to the execution engine, processing
// blocks strictly in the order they arrive on its input channel (// "commit pipeline preserves the order in which blocks were ordered by
// consensus").
type ExecutionPhase struct {
	in       <-chan *types.BlockData
	out      chan<- *executedItem
	engine   external.ExecutionEngine
	resolver PayloadResolver
	lastHash []byte
	log      *slog.Logger
}

// NewExecutionPhase constructs an ExecutionPhase reading ordered blocks
// from in and forwarding executed results to out. parentStateHash seeds
// the chain's starting state (the latest committed state on restart).
func NewExecutionPhase(in <-chan *types.BlockData, out chan<- *executedItem, engine external.ExecutionEngine, resolver PayloadResolver, parentStateHash []byte, log *slog.Logger) *ExecutionPhase {
	if log == nil {
		log = logger.Nop()
	}
	return &ExecutionPhase{in: in, out: out, engine: engine, resolver: resolver, lastHash: parentStateHash, log: log}
}

// Run executes blocks off in until ctx is cancelled or in is closed.
func (p *ExecutionPhase) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case block, ok := <-p.in:
			if !ok {
				return
			}
			if err := p.execute(ctx, block); err != nil {
				p.log.Error("execution phase failed", logger.Error(err), logger.Round(block.GetRound()))
			}
		}
	}
}

func (p *ExecutionPhase) execute(ctx context.Context, block *types.BlockData) error {
	txns, err := p.resolver.Resolve(ctx, block.Payload)
	if err != nil {
		return fmt.Errorf("resolving payload for round %d: %w", block.Round, err)
	}
	result, err := p.engine.Execute(ctx, p.lastHash, block, txns)
	if err != nil {
		return fmt.Errorf("executing block round %d: %w", block.Round, err)
	}
	p.lastHash = result.StateHash

	select {
	case p.out <- &executedItem{Block: block, Txns: txns, Result: result}:
	case <-ctx.Done():
	}
	return nil
}
