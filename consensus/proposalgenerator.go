package consensus

import (
	"fmt"

	"github.com/quorumchain/validator/consensus/blockstore"
	"github.com/quorumchain/validator/types"
)

// PayloadSource resolves a payload for a new block: either the
// quorum-store wrapper (PoS references) or a direct mempool pull, the two
// modes.
type PayloadSource interface {
	PullPayload(maxTxns uint64, maxBytes uint64) (*types.Payload, error)
}

// ProposalGenerator builds a proposal extending the block store's highest
// QC: the elected leader proposes a block extending its highest-QC parent.
type ProposalGenerator struct {
	author       types.Author
	store        *blockstore.BlockStore
	payloads     PayloadSource
	maxTxns      uint64
	maxBytes     uint64
	nowUs        func() uint64
}

// NewProposalGenerator constructs a ProposalGenerator. nowUs supplies the
// proposal timestamp (injected so tests are deterministic).
func NewProposalGenerator(author types.Author, store *blockstore.BlockStore, payloads PayloadSource, maxTxns, maxBytes uint64, nowUs func() uint64) *ProposalGenerator {
	return &ProposalGenerator{
		author:   author,
		store:    store,
		payloads: payloads,
		maxTxns:  maxTxns,
		maxBytes: maxBytes,
		nowUs:    nowUs,
	}
}

// Generate builds the BlockData for round, extending the highest known
// QC as its parent justification.
func (g *ProposalGenerator) Generate(epoch types.Epoch, round uint64) (*types.BlockData, error) {
	highQC := g.store.GetHighQc()
	if highQC == nil {
		return nil, fmt.Errorf("no high QC to extend, cannot propose")
	}
	payload, err := g.payloads.PullPayload(g.maxTxns, g.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("pulling payload: %w", err)
	}

	parent, err := g.store.Block(highQC.GetRound())
	if err != nil {
		return nil, fmt.Errorf("parent block for round %d not found: %w", highQC.GetRound(), err)
	}
	parentID, err := parent.ID()
	if err != nil {
		return nil, fmt.Errorf("hashing parent block: %w", err)
	}

	return &types.BlockData{
		Epoch:       epoch,
		Round:       round,
		ParentID:    parentID,
		TimestampUs: g.nowUs(),
		Author:      g.author,
		Payload:     payload,
		QC:          highQC,
	}, nil
}
