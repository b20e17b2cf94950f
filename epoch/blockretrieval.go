package epoch

import (
	"context"
	"log/slog"

	"github.com/eapache/channels"

	"github.com/quorumchain/validator/consensus/blockstore"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// blockRetrievalJob is one inbound request queued for the retrieval task.
type blockRetrievalJob struct {
	peer types.Author
	req  *types.BlockRetrievalRequest
}

// blockRetrievalTask answers BlockRetrievalRequest traffic off the round
// manager's hot path, spawned fresh alongside the round manager in each
// epoch (start_round_manager "spawn block-retrieval task"). Its
// queue is an eapache/channels.InfiniteChannel rather than a fixed-size
// buffered channel: a lagging peer can legitimately have many catch-up
// requests in flight, and none of them gate consensus liveness the way a
// full proposal/vote queue would.
type blockRetrievalTask struct {
	store   *blockstore.BlockStore
	network Network
	log     *slog.Logger
	jobs    *channels.InfiniteChannel
}

func newBlockRetrievalTask(store *blockstore.BlockStore, network Network, log *slog.Logger) *blockRetrievalTask {
	return &blockRetrievalTask{store: store, network: network, log: log, jobs: channels.NewInfiniteChannel()}
}

// submit queues job for processing without blocking the caller (the
// network dispatch loop).
func (t *blockRetrievalTask) submit(job blockRetrievalJob) {
	t.jobs.In <- job
}

func (t *blockRetrievalTask) run(ctx context.Context) {
	defer t.jobs.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-t.jobs.Out:
			if !ok {
				return
			}
			t.handle(raw.(blockRetrievalJob))
		}
	}
}

func (t *blockRetrievalTask) handle(job blockRetrievalJob) {
	resp := &types.BlockRetrievalResponse{RequestID: job.req.RequestID}

	start, ok := t.findByID(job.req.BlockID)
	if !ok {
		resp.Status = types.BlockRetrievalIDNotFound
		t.respond(job.peer, resp)
		return
	}

	cursor := start
	for i := uint64(0); i < job.req.Count; i++ {
		resp.Blocks = append(resp.Blocks, cursor.BlockData)
		if cursor.QC != nil {
			resp.QCs = append(resp.QCs, cursor.QC)
		}
		if cursor.GetRound() == types.GenesisRound {
			break
		}
		parent, err := t.store.Block(cursor.GetParentRound())
		if err != nil {
			resp.Status = types.BlockRetrievalNotEnoughBlocks
			t.respond(job.peer, resp)
			return
		}
		cursor = parent
	}
	resp.Status = types.BlockRetrievalSucceeded
	t.respond(job.peer, resp)
}

func (t *blockRetrievalTask) findByID(id types.Digest) (*blockstore.ExecutedBlock, bool) {
	candidates := t.store.PendingBlocks()
	candidates = append(candidates, t.store.Root())
	for _, b := range candidates {
		bid, err := b.ID()
		if err == nil && bid == id {
			return b, true
		}
	}
	return nil, false
}

func (t *blockRetrievalTask) respond(peer types.Author, resp *types.BlockRetrievalResponse) {
	if err := t.network.SendBlockRetrievalResponse(peer, resp); err != nil {
		t.log.Warn("sending block retrieval response failed", logger.Author(string(peer)), logger.Error(err))
	}
}
