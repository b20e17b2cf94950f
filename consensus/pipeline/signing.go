package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quorumchain/validator/crypto"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// SigningPhase is the second commit-pipeline actor : signs each
// executed block's resulting state as a CommitVoteMsg, hands it to the
// local buffer manager's accumulator (so the local vote counts without a
// network round trip), and broadcasts it to peers.
type SigningPhase struct {
	in          <-chan *executedItem
	self        types.Author
	signer      crypto.Signer
	buffer      *BufferManager
	broadcaster CommitVoteBroadcaster
	log         *slog.Logger
}

// NewSigningPhase constructs a SigningPhase.
func NewSigningPhase(in <-chan *executedItem, self types.Author, signer crypto.Signer, buffer *BufferManager, broadcaster CommitVoteBroadcaster, log *slog.Logger) *SigningPhase {
	if log == nil {
		log = logger.Nop()
	}
	return &SigningPhase{in: in, self: self, signer: signer, buffer: buffer, broadcaster: broadcaster, log: log}
}

// Run signs items off in until ctx is cancelled or in is closed.
func (p *SigningPhase) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.in:
			if !ok {
				return
			}
			if err := p.sign(item); err != nil {
				p.log.Error("signing phase failed", logger.Error(err), logger.Round(item.Block.GetRound()))
			}
		}
	}
}

// commitVoteSignPayload is the canonical struct a commit vote's signature
// covers: everything in CommitVoteMsg except the signature itself,
// mirroring safetyrules.SafetyModule.signVoteData's convention of signing
// over an un-signed projection of the message.
type commitVoteSignPayload struct {
	_         struct{} `cbor:",toarray"`
	Epoch     types.Epoch
	BlockID   types.Digest
	Round     uint64
	StateHash []byte
	Author    types.Author
}

func (p *SigningPhase) sign(item *executedItem) error {
	id, err := item.Block.ID()
	if err != nil {
		return fmt.Errorf("hashing block round %d: %w", item.Block.Round, err)
	}

	payload, err := types.MarshalCanonical(&commitVoteSignPayload{
		Epoch:     item.Block.Epoch,
		BlockID:   id,
		Round:     item.Block.Round,
		StateHash: item.Result.StateHash,
		Author:    p.self,
	})
	if err != nil {
		return fmt.Errorf("encoding commit vote round %d: %w", item.Block.Round, err)
	}
	sig, err := p.signer.SignBytes(payload)
	if err != nil {
		return fmt.Errorf("signing commit vote round %d: %w", item.Block.Round, err)
	}

	msg := &types.CommitVoteMsg{
		Epoch:     item.Block.Epoch,
		BlockID:   id,
		Round:     item.Block.Round,
		StateHash: item.Result.StateHash,
		Author:    p.self,
		Signature: sig,
	}

	p.buffer.MarkExecuted(id, item.Txns, item.Result.StateHash)
	p.buffer.HandleCommitVote(msg)
	if err := p.broadcaster.BroadcastCommitVote(msg); err != nil {
		return fmt.Errorf("broadcasting commit vote round %d: %w", item.Block.Round, err)
	}
	return nil
}
