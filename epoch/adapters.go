package epoch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quorumchain/validator/consensus/blockstore"
	"github.com/quorumchain/validator/crypto"
	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/keyvaluedb"
	"github.com/quorumchain/validator/leader"
	"github.com/quorumchain/validator/quorumstore"
	"github.com/quorumchain/validator/types"
)

// validators adapts a frozen *types.ValidatorSet plus each member's
// verifier into the narrow signature-checking contracts
// quorumstore.Validators and consensus/pipeline.Validators need,
// replaying the exact canonical encodings quorumstore.Listener and
// pipeline.SigningPhase sign over.
type validators struct {
	set       *types.ValidatorSet
	verifiers map[types.Author]crypto.Verifier
}

func newValidators(set *types.ValidatorSet) (*validators, error) {
	verifiers := make(map[types.Author]crypto.Verifier, set.Len())
	for _, v := range set.Validators {
		verifier, err := crypto.NewVerifierFromBytes(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("parsing public key for %s: %w", v.Author, err)
		}
		verifiers[v.Author] = verifier
	}
	return &validators{set: set, verifiers: verifiers}, nil
}

func (v *validators) QuorumThreshold() uint64              { return v.set.QuorumThreshold() }
func (v *validators) VotingPower(a types.Author) uint64     { return v.set.VotingPower(a) }

// VerifySignedDigest checks sd.Sig against sd.Author's verifier over the
// canonical encoding of sd.Info.
func (v *validators) VerifySignedDigest(sd *types.SignedDigest) error {
	verifier, ok := v.verifiers[sd.Author]
	if !ok {
		return fmt.Errorf("signed digest from unknown author %s", sd.Author)
	}
	payload, err := types.MarshalCanonical(&sd.Info)
	if err != nil {
		return fmt.Errorf("encoding signed digest info: %w", err)
	}
	return verifier.VerifyBytes(payload, sd.Sig)
}

// commitVoteVerifyPayload mirrors pipeline's unexported
// commitVoteSignPayload field for field, since signature verification
// must replay the exact struct the signer encoded.
type commitVoteVerifyPayload struct {
	_         struct{} `cbor:",toarray"`
	Epoch     types.Epoch
	BlockID   types.Digest
	Round     uint64
	StateHash []byte
	Author    types.Author
}

// VerifyCommitVote checks msg.Signature against msg.Author's verifier.
func (v *validators) VerifyCommitVote(msg *types.CommitVoteMsg) error {
	verifier, ok := v.verifiers[msg.Author]
	if !ok {
		return fmt.Errorf("commit vote from unknown author %s", msg.Author)
	}
	payload, err := types.MarshalCanonical(&commitVoteVerifyPayload{
		Epoch:     msg.Epoch,
		BlockID:   msg.BlockID,
		Round:     msg.Round,
		StateHash: msg.StateHash,
		Author:    msg.Author,
	})
	if err != nil {
		return fmt.Errorf("encoding commit vote: %w", err)
	}
	return verifier.VerifyBytes(payload, msg.Signature)
}

// digestSigner adapts this validator's own signer into
// quorumstore.DigestSigner, signing over the same SignedDigestInfo
// encoding validators.VerifySignedDigest checks.
type digestSigner struct {
	self   types.Author
	signer crypto.Signer
}

func (d *digestSigner) Self() types.Author { return d.self }

func (d *digestSigner) SignDigest(info types.SignedDigestInfo) ([]byte, error) {
	payload, err := types.MarshalCanonical(&info)
	if err != nil {
		return nil, fmt.Errorf("encoding digest info: %w", err)
	}
	return d.signer.SignBytes(payload)
}

// inlineExecutor is the blockstore.Executor used when on-chain config
// disables decoupled execution: the proposed block's payload is resolved
// and executed synchronously as part of adding it to the block store, the
// teacher's own single-round commit model ("chained 3-vote
// commit rule" path).
type inlineExecutor struct {
	engine   external.ExecutionEngine
	resolver *quorumstore.DataManager
}

func (e *inlineExecutor) Execute(parentState []byte, block *types.BlockData) ([]byte, error) {
	ctx := context.Background()
	txns, err := e.resolver.Resolve(ctx, block.Payload)
	if err != nil {
		return nil, fmt.Errorf("resolving payload for round %d: %w", block.Round, err)
	}
	result, err := e.engine.Execute(ctx, parentState, block, txns)
	if err != nil {
		return nil, fmt.Errorf("executing block round %d: %w", block.Round, err)
	}
	return result.StateHash, nil
}

// deferredExecutor is the blockstore.Executor used when decoupled
// execution is enabled: the block store itself performs no execution,
// since that is consensus/pipeline.Pipeline's job once the block's QC
// forms. It returns the parent's state hash unchanged so the
// block tree's bookkeeping is undisturbed while the real result is still
// in flight through the pipeline.
type deferredExecutor struct{}

func (deferredExecutor) Execute(parentState []byte, _ *types.BlockData) ([]byte, error) {
	return parentState, nil
}

// quorumStorePayloadSource accumulates proofs-of-store this validator has
// observed reach quorum (its own, via the wrapper, or gossiped by peers)
// and hands out a prefix of them bounded by maxTxns/maxBytes on each pull,
// bridging quorum-store payload resolution into proposal generation.
type quorumStorePayloadSource struct {
	mu      sync.Mutex
	pending []*types.ProofOfStore
}

func newQuorumStorePayloadSource() *quorumStorePayloadSource {
	return &quorumStorePayloadSource{}
}

// AddProof makes proof available to future PullPayload calls.
func (s *quorumStorePayloadSource) AddProof(proof *types.ProofOfStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, proof)
}

func (s *quorumStorePayloadSource) PullPayload(maxTxns, maxBytes uint64) (*types.Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chosen, rest []*types.ProofOfStore
	var txns, bytes uint64
	for _, proof := range s.pending {
		fitsTxns := maxTxns == 0 || txns+uint64(proof.Info.TxnCount) <= maxTxns
		fitsBytes := maxBytes == 0 || bytes+proof.Info.ByteCount <= maxBytes
		if fitsTxns && fitsBytes {
			chosen = append(chosen, proof)
			txns += uint64(proof.Info.TxnCount)
			bytes += proof.Info.ByteCount
			continue
		}
		rest = append(rest, proof)
	}
	s.pending = rest
	return &types.Payload{ProofsOfStore: chosen}, nil
}

// directMempoolPayloadSource pulls transactions straight from the mempool
// for the non-quorum-store on-chain config ("direct-mempool
// mode").
type directMempoolPayloadSource struct {
	mempool external.Mempool
}

func (s *directMempoolPayloadSource) PullPayload(maxTxns, maxBytes uint64) (*types.Payload, error) {
	txns, err := s.mempool.PullTxns(context.Background(), maxTxns, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("pulling mempool transactions: %w", err)
	}
	return &types.Payload{InlineTxns: txns}, nil
}

// dbWatermarks is the single CBOR-encoded record safety rules' two
// watermarks are stored under, so SetHighestQcRound's combined update
// lands as one keyvaluedb write (safetyrules.SafetyStorage's atomicity
// requirement).
type dbWatermarks struct {
	_                struct{} `cbor:",toarray"`
	HighestVotedRound uint64
	HighestQcRound    uint64
}

var safetyWatermarksKey = []byte("sr/watermarks")

// dbSafetyStorage is the keyvaluedb-backed safetyrules.SafetyStorage,
// following dbstore.go's CBOR-over-keyvaluedb pattern for the one other
// durable record safety rules needs beyond the block store itself.
type dbSafetyStorage struct {
	mu sync.Mutex
	db keyvaluedb.KeyValueDB
}

func newDBSafetyStorage(db keyvaluedb.KeyValueDB) *dbSafetyStorage {
	return &dbSafetyStorage{db: db}
}

func (s *dbSafetyStorage) read() dbWatermarks {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Read(safetyWatermarksKey)
	if err != nil {
		return dbWatermarks{}
	}
	var w dbWatermarks
	if err := types.UnmarshalCanonical(raw, &w); err != nil {
		return dbWatermarks{}
	}
	return w
}

func (s *dbSafetyStorage) write(w dbWatermarks) error {
	raw, err := types.MarshalCanonical(&w)
	if err != nil {
		return fmt.Errorf("encoding safety watermarks: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Write(safetyWatermarksKey, raw)
}

func (s *dbSafetyStorage) GetHighestVotedRound() uint64 { return s.read().HighestVotedRound }
func (s *dbSafetyStorage) GetHighestQcRound() uint64    { return s.read().HighestQcRound }

func (s *dbSafetyStorage) SetHighestVotedRound(round uint64) error {
	w := s.read()
	w.HighestVotedRound = round
	return s.write(w)
}

func (s *dbSafetyStorage) SetHighestQcRound(qcRound, votedRound uint64) error {
	w := s.read()
	w.HighestQcRound = qcRound
	w.HighestVotedRound = votedRound
	return s.write(w)
}

// blockStoreHistory adapts the block store's pending chain into
// leader.HistoryProvider for the reputation election. Cross-epoch history
// is not indexed anywhere in this module, so PreviousEpochHistory always
// degrades to current-epoch-only data.
type blockStoreHistory struct {
	store *blockstore.BlockStore
}

func (h *blockStoreHistory) RecentHistory(window int) []leader.VoteHistoryEntry {
	pending := h.store.PendingBlocks()
	entries := make([]leader.VoteHistoryEntry, 0, len(pending))
	for _, b := range pending {
		var voters []types.Author
		if b.QC != nil {
			voters = b.QC.Signers
		}
		entries = append(entries, leader.VoteHistoryEntry{
			Round:    b.GetRound(),
			Proposer: b.BlockData.Author,
			Voters:   voters,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Round < entries[j].Round })
	if window > 0 && len(entries) > window {
		entries = entries[len(entries)-window:]
	}
	return entries
}

func (h *blockStoreHistory) PreviousEpochHistory(int) ([][]leader.VoteHistoryEntry, error) {
	return nil, fmt.Errorf("epoch: cross-epoch leader-reputation history is not indexed")
}
