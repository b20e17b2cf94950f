package quorumstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/types"
)

// DigestBroadcaster sends a SignedDigestInfo to every other validator and
// relays their SignedDigest replies back to the ProofBuilder via Collect
// (implemented by network/libp2pnet).
type DigestBroadcaster interface {
	BroadcastDigest(epoch types.Epoch, info types.SignedDigestInfo) error
}

// Validators is the narrow view ProofBuilder needs of the active
// validator set: signature verification and quorum arithmetic.
type Validators interface {
	QuorumThreshold() uint64
	VotingPower(a types.Author) uint64
	VerifySignedDigest(d *types.SignedDigest) error
}

// ProofBuilder collects SignedDigests from peers attesting they
// hold a batch, assembling a ProofOfStore once a quorum of voting power
// has signed, or failing the batch past proof_timeout_ms.
type ProofBuilder struct {
	mu sync.Mutex

	validators Validators
	broadcast  DigestBroadcaster
	timeout    time.Duration
	log        *slog.Logger

	pending map[types.Digest]*proofInFlight
}

type proofInFlight struct {
	batchAuthor types.Author
	info        types.SignedDigestInfo
	signers     []types.Author
	sigs        [][]byte
	result      chan proofResult
}

type proofResult struct {
	proof *types.ProofOfStore
	err   error
}

// NewProofBuilder constructs a ProofBuilder enforcing timeout per batch.
func NewProofBuilder(validators Validators, broadcast DigestBroadcaster, timeout time.Duration, log *slog.Logger) *ProofBuilder {
	if log == nil {
		log = logger.Nop()
	}
	return &ProofBuilder{
		validators: validators,
		broadcast:  broadcast,
		timeout:    timeout,
		log:        log,
		pending:    make(map[types.Digest]*proofInFlight),
	}
}

// Build broadcasts info for a freshly authored batch and blocks until a
// quorum of signed digests has been collected, the timeout elapses, or ctx
// is cancelled ("no quorum before proof_timeout_ms: batch dropped").
func (b *ProofBuilder) Build(ctx context.Context, epoch types.Epoch, batchAuthor types.Author, info types.SignedDigestInfo) (*types.ProofOfStore, error) {
	inFlight := &proofInFlight{batchAuthor: batchAuthor, info: info, result: make(chan proofResult, 1)}

	b.mu.Lock()
	b.pending[info.Digest] = inFlight
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, info.Digest)
		b.mu.Unlock()
	}()

	if err := b.broadcast.BroadcastDigest(epoch, info); err != nil {
		return nil, fmt.Errorf("broadcasting digest for batch %s: %w", info.Digest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	select {
	case r := <-inFlight.result:
		return r.proof, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("batch %s: no quorum before proof_timeout_ms: %w", info.Digest, ctx.Err())
	}
}

// Collect folds an inbound SignedDigest reply into its batch's in-flight
// proof, signalling Build's caller once a quorum of voting power signs.
// Replies for a digest with no matching Build call, or with an invalid
// signature, are dropped.
func (b *ProofBuilder) Collect(sd *types.SignedDigest) {
	if err := b.validators.VerifySignedDigest(sd); err != nil {
		b.log.Warn("dropping signed digest with invalid signature", logger.Author(string(sd.Author)), logger.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.pending[sd.Info.Digest]
	if !ok {
		return
	}
	for _, s := range f.signers {
		if s == sd.Author {
			return
		}
	}
	f.signers = append(f.signers, sd.Author)
	f.sigs = append(f.sigs, sd.Sig)

	var power uint64
	for _, s := range f.signers {
		power += b.validators.VotingPower(s)
	}
	if power < b.validators.QuorumThreshold() {
		return
	}

	proof := &types.ProofOfStore{
		Info:        f.info,
		BatchAuthor: f.batchAuthor,
		Signers:     append([]types.Author{}, f.signers...),
		Sigs:        append([][]byte{}, f.sigs...),
	}
	select {
	case f.result <- proofResult{proof: proof}:
	default:
	}
}
