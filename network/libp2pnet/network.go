// Package libp2pnet is the production implementation of epoch.Network:
// a libp2p host for point-to-point sends plus a gossipsub topic for
// broadcast traffic, named in SPEC_FULL.md's domain table
// (github.com/libp2p/go-libp2p, go-libp2p-pubsub, go-multiaddr,
// github.com/google/uuid for request correlation).
package libp2pnet

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/quorumchain/validator/epoch"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

const (
	// directProtocol carries every point-to-point send and the
	// fetch-batch request/response round trip.
	directProtocol = protocol.ID("/quorumchain/validator/direct/1.0.0")
	gossipTopic    = "quorumchain-validator-consensus-v1"

	maxFrameBytes = 32 << 20
)

// PeerInfo is one validator's transport identity, resolved from its
// Author by the caller (cmd/validatornode, from config) before handing
// the whole table to New.
type PeerInfo struct {
	ID    peer.ID
	Addrs []ma.Multiaddr
}

// Config bundles everything Network needs to construct its libp2p host
// and map validator authors to peer identities.
type Config struct {
	Self           types.Author
	PrivateKey     libp2pcrypto.PrivKey
	ListenAddrs    []string
	Peers          map[types.Author]PeerInfo
	RequestTimeout time.Duration
	InboxSize      int
	Log            *slog.Logger
}

// Network implements epoch.Network over one libp2p host.
type Network struct {
	self    types.Author
	host    host.Host
	ps      *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	log     *slog.Logger
	reqTime time.Duration

	mu        sync.RWMutex
	authorsBy map[peer.ID]types.Author
	peersBy   map[types.Author]peer.ID

	pendingMu sync.Mutex
	pending   map[string]chan *types.BatchResponseMsg

	inbox chan epoch.Inbound
}

var _ epoch.Network = (*Network)(nil)

// New constructs a host listening on cfg.ListenAddrs, joins the shared
// gossip topic, registers every known peer's addresses, and starts the
// background read loops feeding Receive. Cancel ctx (or call Close) to
// tear the host down.
func New(ctx context.Context, cfg Config) (*Network, error) {
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.InboxSize == 0 {
		cfg.InboxSize = 1024
	}
	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = libp2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("libp2pnet: generating host key: %w", err)
		}
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2pnet: constructing host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("libp2pnet: constructing gossipsub: %w", err)
	}
	topic, err := ps.Join(gossipTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("libp2pnet: joining topic %q: %w", gossipTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("libp2pnet: subscribing to topic %q: %w", gossipTopic, err)
	}

	n := &Network{
		self:      cfg.Self,
		host:      h,
		ps:        ps,
		topic:     topic,
		sub:       sub,
		log:       cfg.Log,
		reqTime:   cfg.RequestTimeout,
		authorsBy: make(map[peer.ID]types.Author, len(cfg.Peers)),
		peersBy:   make(map[types.Author]peer.ID, len(cfg.Peers)),
		pending:   make(map[string]chan *types.BatchResponseMsg),
		inbox:     make(chan epoch.Inbound, cfg.InboxSize),
	}

	for author, info := range cfg.Peers {
		n.addPeer(author, info)
	}

	h.SetStreamHandler(directProtocol, n.handleDirectStream)
	go n.readGossipLoop(ctx)

	return n, nil
}

func (n *Network) addPeer(author types.Author, info PeerInfo) {
	n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	n.mu.Lock()
	n.authorsBy[info.ID] = author
	n.peersBy[author] = info.ID
	n.mu.Unlock()
}

// AddPeer registers (or updates) a validator's transport address, for
// validator-set changes discovered between epochs.
func (n *Network) AddPeer(author types.Author, info PeerInfo) {
	n.addPeer(author, info)
}

func (n *Network) peerID(author types.Author) (peer.ID, error) {
	n.mu.RLock()
	id, ok := n.peersBy[author]
	n.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("libp2pnet: no known peer id for author %s", author)
	}
	return id, nil
}

func (n *Network) authorOf(id peer.ID) types.Author {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if a, ok := n.authorsBy[id]; ok {
		return a
	}
	return types.Author(id.String())
}

// Close shuts down the gossip subscription/topic and the host.
func (n *Network) Close() error {
	n.sub.Cancel()
	if err := n.topic.Close(); err != nil {
		n.log.Warn("closing gossip topic failed", logger.Error(err))
	}
	return n.host.Close()
}

// Receive implements epoch.Network.
func (n *Network) Receive() <-chan epoch.Inbound {
	return n.inbox
}

// --- framing -------------------------------------------------------------

func writeFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("libp2pnet: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// --- inbound ---------------------------------------------------------------

// handleDirectStream receives one fire-and-forget envelope per stream.
// Every frame is handed to epoch.Manager via the inbox, except
// BatchResponseMsg: FetchBatch's reply is matched against the pending
// map by RequestID and delivered directly to the waiting caller instead,
// since nothing in epoch.Manager's processMessage switch has (or needs)
// a case for it.
func (n *Network) handleDirectStream(s network.Stream) {
	defer s.Close()
	rw := bufio.NewReader(s)

	raw, err := readFrame(rw)
	if err != nil {
		n.log.Warn("reading direct stream frame failed", logger.Error(err))
		return
	}
	msg, err := decodeEnvelope(raw)
	if err != nil {
		n.log.Warn("decoding direct stream frame failed", logger.Error(err))
		return
	}

	if resp, ok := msg.(*types.BatchResponseMsg); ok {
		n.pendingMu.Lock()
		ch, found := n.pending[resp.RequestID]
		n.pendingMu.Unlock()
		if found {
			ch <- resp
			return
		}
		n.log.Warn("received batch response with no matching pending request", logger.Data(resp.RequestID))
		return
	}

	from := n.authorOf(s.Conn().RemotePeer())
	n.inbox <- epoch.Inbound{From: from, Msg: msg}
}

func (n *Network) readGossipLoop(ctx context.Context) {
	for {
		m, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("reading gossip message failed", logger.Error(err))
			continue
		}
		if m.ReceivedFrom == n.host.ID() {
			continue
		}
		msg, err := decodeEnvelope(m.Data)
		if err != nil {
			n.log.Warn("decoding gossip message failed", logger.Error(err))
			continue
		}
		n.inbox <- epoch.Inbound{From: n.authorOf(m.ReceivedFrom), Msg: msg}
	}
}

// --- outbound: point-to-point ---------------------------------------------

func (n *Network) sendDirect(to types.Author, k kind, msg any) error {
	id, err := n.peerID(to)
	if err != nil {
		return err
	}
	raw, err := encodeEnvelope(k, msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.reqTime)
	defer cancel()
	s, err := n.host.NewStream(ctx, id, directProtocol)
	if err != nil {
		return fmt.Errorf("libp2pnet: opening stream to %s: %w", to, err)
	}
	defer s.Close()
	return writeFrame(s, raw)
}

func (n *Network) SendProposal(to types.Author, msg *types.ProposalMsg) error {
	return n.sendDirect(to, kindProposal, msg)
}

func (n *Network) SendVote(to types.Author, msg *types.VoteMsg) error {
	return n.sendDirect(to, kindVote, msg)
}

func (n *Network) ReplyDigest(to types.Author, sd *types.SignedDigest) error {
	return n.sendDirect(to, kindSignedDigest, &types.SignedDigestMsg{Digest: sd})
}

func (n *Network) SendEpochRetrievalRequest(to types.Author, req *types.EpochRetrievalRequest) error {
	return n.sendDirect(to, kindEpochRetrievalRequest, req)
}

func (n *Network) SendEpochChangeProof(to types.Author, msg *types.EpochChangeMsg) error {
	return n.sendDirect(to, kindEpochChange, msg)
}

func (n *Network) SendBlockRetrievalResponse(to types.Author, resp *types.BlockRetrievalResponse) error {
	return n.sendDirect(to, kindBlockRetrievalResponse, resp)
}

func (n *Network) SendBatchResponse(to types.Author, resp *types.BatchResponseMsg) error {
	return n.sendDirect(to, kindBatchResponse, resp)
}

// FetchBatch sends a BatchRequestMsg on its own stream and awaits the
// matching BatchResponseMsg delivered by handleDirectStream via the
// pending map, the uuid-correlated request/response round trip
// quorumstore.Reader's retry loop drives.
func (n *Network) FetchBatch(ctx context.Context, from types.Author, id types.BatchID, digest types.Digest) (*types.Batch, error) {
	requestID := uuid.NewString()
	ch := make(chan *types.BatchResponseMsg, 1)
	n.pendingMu.Lock()
	n.pending[requestID] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, requestID)
		n.pendingMu.Unlock()
	}()

	if err := n.sendDirect(from, kindBatchRequest, &types.BatchRequestMsg{
		RequestID: requestID,
		BatchID:   id,
		Digest:    digest,
	}); err != nil {
		return nil, fmt.Errorf("libp2pnet: sending batch request to %s: %w", from, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		if !resp.Found || resp.Batch == nil {
			return nil, fmt.Errorf("libp2pnet: peer %s does not have batch %s", from, digest)
		}
		return resp.Batch, nil
	}
}

// --- outbound: broadcast ----------------------------------------------------

func (n *Network) publish(k kind, msg any) error {
	raw, err := encodeEnvelope(k, msg)
	if err != nil {
		return err
	}
	return n.topic.Publish(context.Background(), raw)
}

func (n *Network) BroadcastTimeout(msg *types.TimeoutMsg) error {
	return n.publish(kindTimeout, msg)
}

func (n *Network) BroadcastFragment(f *types.Fragment) error {
	return n.publish(kindFragment, &types.FragmentMsg{Fragment: f})
}

func (n *Network) BroadcastDigest(epochNum types.Epoch, info types.SignedDigestInfo) error {
	return n.publish(kindDigestAnnounce, &types.DigestAnnounceMsg{Epoch: epochNum, BatchAuthor: n.self, Info: info})
}

func (n *Network) BroadcastCommitVote(msg *types.CommitVoteMsg) error {
	return n.publish(kindCommitVote, msg)
}

func (n *Network) BroadcastCommitDecision(msg *types.CommitDecisionMsg) error {
	return n.publish(kindCommitDecision, msg)
}

func (n *Network) BroadcastProofOfStore(proof *types.ProofOfStore) error {
	return n.publish(kindProofOfStore, &types.ProofOfStoreMsg{Proof: proof})
}
