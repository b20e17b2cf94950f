// Package epoch implements the long-running supervisor that installs a
// fresh set of per-epoch actors on every validator-set change and routes
// verified network events to them, adapted from a Run/loop/handleMessage
// style supervisor. Unlike a design that runs one long-lived round machine
// across epochs, this manager tears down and rebuilds its entire actor set
// on each reconfiguration.
package epoch

import (
	"context"

	"github.com/quorumchain/validator/types"
)

// Inbound pairs a received wire message with the peer that sent it.
type Inbound struct {
	From types.Author
	Msg  any
}

// Network is the full outbound contract a single transport implementation
// (network/libp2pnet) satisfies. epoch.Manager hands narrower slices of
// it to each per-epoch actor via the small interfaces those packages
// already declare (consensus.NetworkSender, quorumstore.FragmentSender,
// and so on); Manager itself uses the rest directly for epoch-change and
// block-retrieval traffic.
type Network interface {
	// Receive delivers every inbound message this validator's transport
	// has verified came from a peer.
	Receive() <-chan Inbound

	// consensus.NetworkSender
	SendProposal(to types.Author, msg *types.ProposalMsg) error
	SendVote(to types.Author, msg *types.VoteMsg) error
	BroadcastTimeout(msg *types.TimeoutMsg) error

	// quorumstore.FragmentSender / DigestReplier / PeerFetcher / DigestBroadcaster
	BroadcastFragment(f *types.Fragment) error
	ReplyDigest(to types.Author, sd *types.SignedDigest) error
	FetchBatch(ctx context.Context, from types.Author, id types.BatchID, digest types.Digest) (*types.Batch, error)
	BroadcastDigest(epoch types.Epoch, info types.SignedDigestInfo) error

	// pipeline.CommitVoteBroadcaster / CommitDecisionBroadcaster
	BroadcastCommitVote(msg *types.CommitVoteMsg) error
	BroadcastCommitDecision(msg *types.CommitDecisionMsg) error

	// The remaining methods have no narrower home in an existing
	// component and are addressed directly by epoch.Manager.
	BroadcastProofOfStore(proof *types.ProofOfStore) error
	SendEpochRetrievalRequest(to types.Author, req *types.EpochRetrievalRequest) error
	SendEpochChangeProof(to types.Author, msg *types.EpochChangeMsg) error
	SendBlockRetrievalResponse(to types.Author, resp *types.BlockRetrievalResponse) error
	SendBatchResponse(to types.Author, resp *types.BatchResponseMsg) error
}
