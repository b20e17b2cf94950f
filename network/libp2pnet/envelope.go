package libp2pnet

import (
	"fmt"

	"github.com/quorumchain/validator/types"
)

// kind discriminates the wire envelope's payload type, matching the type
// switch epoch.Manager.processMessage performs once a message is already
// decoded. Every variant epoch.Network's method set can send or
// broadcast has one.
type kind uint8

const (
	kindProposal kind = iota + 1
	kindVote
	kindTimeout
	kindFragment
	kindSignedDigest
	kindDigestAnnounce
	kindCommitVote
	kindCommitDecision
	kindProofOfStore
	kindEpochRetrievalRequest
	kindEpochChange
	kindBlockRetrievalRequest
	kindBlockRetrievalResponse
	kindBatchResponse
	kindBatchRequest
)

// envelope is the single framed unit written to every stream and
// published to the gossip topic; Payload is msg's canonical CBOR
// encoding, kept opaque here so this file never needs to know about
// CBOR struct tags beyond what types.MarshalCanonical already applies.
type envelope struct {
	_       struct{} `cbor:",toarray"`
	Kind    kind
	Payload []byte
}

func encodeEnvelope(k kind, msg any) ([]byte, error) {
	payload, err := types.MarshalCanonical(msg)
	if err != nil {
		return nil, fmt.Errorf("libp2pnet: encoding payload for kind %d: %w", k, err)
	}
	return types.MarshalCanonical(&envelope{Kind: k, Payload: payload})
}

// decodeEnvelope returns the concrete pointer type epoch.Manager's
// processMessage type-switches on.
func decodeEnvelope(raw []byte) (any, error) {
	var env envelope
	if err := types.UnmarshalCanonical(raw, &env); err != nil {
		return nil, fmt.Errorf("libp2pnet: decoding envelope: %w", err)
	}

	var msg any
	switch env.Kind {
	case kindProposal:
		msg = &types.ProposalMsg{}
	case kindVote:
		msg = &types.VoteMsg{}
	case kindTimeout:
		msg = &types.TimeoutMsg{}
	case kindFragment:
		msg = &types.FragmentMsg{}
	case kindSignedDigest:
		msg = &types.SignedDigestMsg{}
	case kindDigestAnnounce:
		msg = &types.DigestAnnounceMsg{}
	case kindCommitVote:
		msg = &types.CommitVoteMsg{}
	case kindCommitDecision:
		msg = &types.CommitDecisionMsg{}
	case kindProofOfStore:
		msg = &types.ProofOfStoreMsg{}
	case kindEpochRetrievalRequest:
		msg = &types.EpochRetrievalRequest{}
	case kindEpochChange:
		msg = &types.EpochChangeMsg{}
	case kindBlockRetrievalRequest:
		msg = &types.BlockRetrievalRequest{}
	case kindBlockRetrievalResponse:
		msg = &types.BlockRetrievalResponse{}
	case kindBatchResponse:
		msg = &types.BatchResponseMsg{}
	case kindBatchRequest:
		msg = &types.BatchRequestMsg{}
	default:
		return nil, fmt.Errorf("libp2pnet: unknown envelope kind %d", env.Kind)
	}
	if err := types.UnmarshalCanonical(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("libp2pnet: decoding kind %d payload: %w", env.Kind, err)
	}
	return msg, nil
}
