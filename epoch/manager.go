package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumchain/validator/consensus"
	"github.com/quorumchain/validator/consensus/blockstore"
	"github.com/quorumchain/validator/consensus/pipeline"
	"github.com/quorumchain/validator/crypto"
	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/keyvaluedb"
	"github.com/quorumchain/validator/leader"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/quorumstore"
	"github.com/quorumchain/validator/safetyrules"
	"github.com/quorumchain/validator/types"
)

// Config bundles everything a Manager needs to run every epoch it will
// ever install.
type Config struct {
	Self   types.Author
	Signer crypto.Signer

	Network  Network
	Mempool  external.Mempool
	Engine   external.ExecutionEngine
	Ledger   external.LedgerStore
	Reconfig external.ReconfigStream

	// DB backs both the block store (blockstore.DBStore) and the safety
	// rules watermarks; their key prefixes never collide (consensus/
	// blockstore/dbstore.go's "cs/" vs this package's "sr/").
	DB keyvaluedb.KeyValueDB

	RoundTimeout      consensus.TimeoutBackoff
	MaxProposalTxns   uint64
	MaxProposalBytes  uint64

	// Quorum-store tuning, only exercised when on-chain config enables it.
	NumListenerShards uint32
	MaxBatchBytes     uint64
	FragmentBytes     uint64
	PullInterval      time.Duration
	MaxLivePoS        uint64
	ProofTimeout      time.Duration
	BatchExpiryRounds uint64
	StoreMaxMemBytes  uint64

	// Proposer election, keyed by the on-chain config's ProposerElectionType.
	ElectionContiguousRounds uint64
	RoundProposerTable       map[uint64]types.Author
	RoundProposerFallback    types.Author
	ReputationConfig         leader.ReputationConfig
	CachedElectionSize       int

	OrderedChanSize int

	Log *slog.Logger
}

// epochActors is everything installed for one epoch's lifetime, torn down
// as a unit by shutdownCurrentProcessor.
type epochActors struct {
	state *types.EpochState

	cancel context.CancelFunc
	g      *errgroup.Group

	validators   *validators
	roundState   *consensus.RoundState
	store        *blockstore.BlockStore
	roundManager *consensus.RoundManager

	dataManager *quorumstore.DataManager
	proofs      *quorumstore.ProofBuilder
	listener    *quorumstore.Listener
	wrapper     *quorumstore.Wrapper

	payloadSource *quorumStorePayloadSource
	pipeline      *pipeline.Pipeline

	retrieval *blockRetrievalTask

	timeoutCh <-chan uint64
}

// Manager is the supervisor that owns the currently installed epoch
// actors and routes verified network events to them, adapted from the
// teacher's partition.Node.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	network  Network
	reconfig external.ReconfigStream
	db       keyvaluedb.KeyValueDB

	qsStore       *quorumstore.Store
	safetyStorage *dbSafetyStorage

	mu      sync.Mutex
	current *epochActors

	sf sync.Map // (author,discriminant) key -> *sync.Mutex, dedupes in-flight round-manager events
}

// NewManager constructs a Manager. Call Start to begin operation.
func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	if cfg.NumListenerShards == 0 {
		cfg.NumListenerShards = 1
	}
	return &Manager{
		cfg:           cfg,
		log:           cfg.Log,
		network:       cfg.Network,
		reconfig:      cfg.Reconfig,
		db:            cfg.DB,
		qsStore:       quorumstore.NewStore(cfg.DB, cfg.StoreMaxMemBytes),
		safetyStorage: newDBSafetyStorage(cfg.DB),
	}
}

// Start awaits the first reconfiguration notification, installs its
// actors, and runs the main event loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	payload, err := m.reconfig.Next(ctx)
	if err != nil {
		return fmt.Errorf("epoch: awaiting first reconfiguration: %w", err)
	}
	if err := m.startNewEpoch(ctx, payload); err != nil {
		return fmt.Errorf("epoch: starting first epoch: %w", err)
	}
	return m.loop(ctx)
}

// loop is the central select: every inbound wire message (consensus,
// quorum-store, and block-retrieval traffic alike) arrives multiplexed on
// one transport channel, demuxed by discriminant in processMessage; local
// timeouts get their own arm since they never cross the network.
func (m *Manager) loop(ctx context.Context) error {
	recv := m.network.Receive()
	for {
		m.mu.Lock()
		cur := m.current
		m.mu.Unlock()
		var timeoutCh <-chan uint64
		if cur != nil {
			timeoutCh = cur.timeoutCh
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-recv:
			if !ok {
				return errors.New("epoch: network receive channel closed")
			}
			if err := m.processMessage(ctx, in.From, in.Msg); err != nil {
				m.log.Warn("processing inbound message failed", logger.Author(string(in.From)), logger.Error(err))
			}
		case round, ok := <-timeoutCh:
			if ok {
				m.processLocalTimeout(round)
			}
		}
	}
}

// processMessage routes an inbound message: quorum-store traffic and
// epoch-management messages go directly to their actor; everything else
// carries an epoch number and is routed by comparing it against the
// currently installed epoch.
func (m *Manager) processMessage(ctx context.Context, peer types.Author, msg any) error {
	switch mt := msg.(type) {
	case *types.EpochChangeMsg:
		return m.initiateNewEpoch(ctx, mt.Proof)
	case *types.EpochRetrievalRequest:
		return m.handleEpochRetrievalRequest(peer, mt)
	case *types.FragmentMsg:
		return m.withCurrent(func(cur *epochActors) error {
			if cur.listener == nil || mt.Fragment.Epoch != cur.state.Epoch {
				return nil
			}
			return cur.listener.HandleFragment(mt.Fragment)
		})
	case *types.SignedDigestMsg:
		return m.withCurrent(func(cur *epochActors) error {
			if cur.listener == nil || mt.Digest.Epoch != cur.state.Epoch {
				return nil
			}
			cur.listener.HandleSignedDigest(mt.Digest)
			return nil
		})
	case *types.DigestAnnounceMsg:
		return m.withCurrent(func(cur *epochActors) error {
			if cur.listener == nil || mt.Epoch != cur.state.Epoch {
				return nil
			}
			return cur.listener.HandleDigestAnnounce(mt.Epoch, mt.BatchAuthor, mt.Info)
		})
	case *types.ProofOfStoreMsg:
		return m.withCurrent(func(cur *epochActors) error {
			if cur.payloadSource == nil {
				return nil
			}
			cur.payloadSource.AddProof(mt.Proof)
			return nil
		})
	case *types.BlockRetrievalRequest:
		return m.withCurrent(func(cur *epochActors) error {
			cur.retrieval.submit(blockRetrievalJob{peer: peer, req: mt})
			return nil
		})
	case *types.BatchRequestMsg:
		return m.respondToBatchRequest(peer, mt)
	}

	msgEpoch, ok := epochOfMessage(msg)
	if !ok {
		return fmt.Errorf("epoch: process_message: unrecognized message %T", msg)
	}

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return errors.New("epoch: process_message: no epoch started yet")
	}

	switch {
	case msgEpoch == cur.state.Epoch:
		return m.routeCurrentEpoch(peer, msg)
	case msgEpoch < cur.state.Epoch:
		return m.replyWithEpochChangeProof(peer, msgEpoch, cur.state.Epoch)
	default:
		return m.network.SendEpochRetrievalRequest(peer, &types.EpochRetrievalRequest{StartEpoch: cur.state.Epoch, EndEpoch: msgEpoch})
	}
}

// epochOfMessage extracts the epoch an epoch-carrying consensus message
// was produced under. Quorum-store and epoch-management messages are
// handled by their own cases in processMessage before this is consulted.
func epochOfMessage(msg any) (types.Epoch, bool) {
	switch mt := msg.(type) {
	case *types.ProposalMsg:
		return mt.Epoch(), true
	case *types.VoteMsg:
		return mt.Epoch(), true
	case *types.TimeoutMsg:
		return mt.GetEpoch(), true
	case *types.CommitVoteMsg:
		return mt.Epoch, true
	case *types.CommitDecisionMsg:
		if mt.LedgerInfo == nil {
			return 0, false
		}
		return mt.LedgerInfo.Epoch, true
	default:
		return 0, false
	}
}

func (m *Manager) withCurrent(fn func(cur *epochActors) error) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return nil
	}
	return fn(cur)
}

// routeCurrentEpoch dispatches a same-epoch message to the round manager
// or the commit pipeline, deduping concurrent in-flight events for the
// same (author, discriminant) pair.
func (m *Manager) routeCurrentEpoch(peer types.Author, msg any) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return errors.New("epoch: no round manager installed")
	}

	key := fmt.Sprintf("%s|%T", peer, msg)
	lockIface, _ := m.sf.LoadOrStore(key, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.sf.Delete(key)
	}()

	switch mt := msg.(type) {
	case *types.CommitVoteMsg:
		if cur.pipeline != nil {
			cur.pipeline.HandlePeerCommitVote(mt)
		}
		return nil
	case *types.CommitDecisionMsg:
		// Every validator reaches the same CommitDecision independently
		// once its own buffer manager sees a quorum of CommitVotes; a
		// peer's broadcast decision is informational only.
		return nil
	case *types.ProposalMsg:
		before := cur.roundState.CurrentRound()
		err := cur.roundManager.ProcessProposal(mt)
		m.rearmTimer(cur, before)
		return err
	case *types.VoteMsg:
		before := cur.roundState.CurrentRound()
		err := cur.roundManager.ProcessVote(mt)
		m.rearmTimer(cur, before)
		return err
	case *types.TimeoutMsg:
		before := cur.roundState.CurrentRound()
		err := cur.roundManager.ProcessTimeout(mt, mt.Signature)
		m.rearmTimer(cur, before)
		return err
	default:
		return fmt.Errorf("epoch: no route for message %T", mt)
	}
}

func (m *Manager) rearmTimer(cur *epochActors, before uint64) {
	if cur.roundState.CurrentRound() == before {
		return
	}
	ch := cur.roundState.NewTimer()
	m.mu.Lock()
	if m.current == cur {
		cur.timeoutCh = ch
	}
	m.mu.Unlock()
}

func (m *Manager) processLocalTimeout(round uint64) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return
	}
	if err := cur.roundManager.LocalTimeout(round); err != nil {
		m.log.Warn("local timeout processing failed", logger.Round(round), logger.Error(err))
	}
	ch := cur.roundState.NewTimer()
	m.mu.Lock()
	if m.current == cur {
		cur.timeoutCh = ch
	}
	m.mu.Unlock()
}

func (m *Manager) handleEpochRetrievalRequest(peer types.Author, req *types.EpochRetrievalRequest) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil || req.EndEpoch > cur.state.Epoch {
		return nil // cannot answer past our own epoch; the peer must wait or ask someone further ahead
	}
	return m.replyWithEpochChangeProof(peer, req.StartEpoch, req.EndEpoch)
}

// replyWithEpochChangeProof answers with the epoch-ending ledger infos
// covering [fromEpoch, toEpoch), one EpochChangeMsg per epoch boundary.
func (m *Manager) replyWithEpochChangeProof(peer types.Author, fromEpoch, toEpoch types.Epoch) error {
	infos, err := m.cfg.Ledger.GetEpochEndingLedgerInfos(fromEpoch, toEpoch)
	if err != nil {
		return fmt.Errorf("loading epoch-ending ledger infos: %w", err)
	}
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	for _, info := range infos {
		proof := &types.EpochChangeProof{LedgerInfo: info}
		if cur != nil {
			proof.NextValidators = cur.state.Validators
		}
		if err := m.network.SendEpochChangeProof(peer, &types.EpochChangeMsg{Proof: proof}); err != nil {
			return fmt.Errorf("sending epoch change proof: %w", err)
		}
	}
	return nil
}

func (m *Manager) respondToBatchRequest(peer types.Author, req *types.BatchRequestMsg) error {
	batch, ok := m.qsStore.Get(req.Digest)
	resp := &types.BatchResponseMsg{RequestID: req.RequestID, Found: ok}
	if ok {
		resp.Batch = batch
	}
	return m.network.SendBatchResponse(peer, resp)
}

// initiateNewEpoch tears down the current epoch's actors, drives the
// execution engine to the new epoch's starting ledger state, and installs
// the next epoch once the reconfiguration stream confirms it.
func (m *Manager) initiateNewEpoch(ctx context.Context, proof *types.EpochChangeProof) error {
	m.shutdownCurrentProcessor()
	if proof != nil && proof.LedgerInfo != nil {
		if err := m.cfg.Engine.SyncTo(ctx, proof.LedgerInfo); err != nil {
			// Every actor that could retry or compensate has already been
			// torn down by shutdownCurrentProcessor; there is no safe
			// degraded mode to fall back to, so this is the one place the
			// manager panics rather than returns an error.
			panic(fmt.Sprintf("epoch: syncing execution engine to epoch %d failed: %v", proof.LedgerInfo.Epoch, err))
		}
	}

	payload, err := m.reconfig.Next(ctx)
	if err != nil {
		return fmt.Errorf("epoch: awaiting post-sync reconfiguration: %w", err)
	}
	return m.startNewEpoch(ctx, payload)
}

// shutdownCurrentProcessor tears down the installed epoch's actors in a
// strict order: the round manager is released first (it has no background
// loop of its own, so clearing the reference already stops new work
// reaching it), then the quorum-store wrapper, then the commit pipeline's
// buffer manager, and finally the block-retrieval task and every other
// goroutine spawned under the epoch's context -- so the safety module,
// reachable only through the already-released round manager, has no
// other live caller by the time anything is torn down.
func (m *Manager) shutdownCurrentProcessor() {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()
	if cur == nil {
		return
	}

	if cur.wrapper != nil {
		cur.wrapper.Stop()
	}
	if cur.pipeline != nil {
		cur.pipeline.Reset(true)
	}

	cur.cancel()
	_ = cur.g.Wait()
}

// startNewEpoch parses the reconfiguration payload into epoch state and
// installs a fresh round manager for it.
func (m *Manager) startNewEpoch(ctx context.Context, payload *external.OnChainConfigPayload) error {
	state := &types.EpochState{Epoch: payload.Epoch, Validators: payload.Validators, Config: payload.Config}
	return m.startRoundManager(ctx, state)
}

// startRoundManager constructs every per-epoch actor (safety rules, round
// state, proposer election, quorum store or direct-mempool payload
// sourcing, the commit pipeline in whichever mode on-chain config
// selects, the block store, and the round manager itself), then kicks
// off the first round.
func (m *Manager) startRoundManager(ctx context.Context, state *types.EpochState) error {
	vset, err := newValidators(state.Validators)
	if err != nil {
		return fmt.Errorf("epoch: building validator verifiers: %w", err)
	}

	reader := quorumstore.NewReader(m.qsStore, m.network, nil, m.log)
	dataManager := quorumstore.NewDataManager(reader)

	var exec blockstore.Executor
	if state.Config.DecoupledExecution {
		exec = deferredExecutor{}
	} else {
		exec = &inlineExecutor{engine: m.cfg.Engine, resolver: dataManager}
	}

	store, err := blockstore.New(blockstore.NewDBStore(m.db), exec, m.log)
	if err != nil {
		return fmt.Errorf("epoch: constructing block store: %w", err)
	}

	roundState := consensus.NewRoundState(startRoundFor(store), m.cfg.RoundTimeout)

	election, err := m.buildElection(state, store)
	if err != nil {
		return fmt.Errorf("epoch: constructing proposer election: %w", err)
	}

	safety, err := safetyrules.NewSafetyModule(m.cfg.Self, m.cfg.Signer, m.safetyStorage)
	if err != nil {
		return fmt.Errorf("epoch: constructing safety module: %w", err)
	}

	egCtx, cancel := context.WithCancel(ctx)
	g, egCtx := errgroup.WithContext(egCtx)

	var proofs *quorumstore.ProofBuilder
	var listener *quorumstore.Listener
	var wrapper *quorumstore.Wrapper
	var payloadSource consensus.PayloadSource
	var qsPayload *quorumStorePayloadSource

	if state.Config.UseQuorumStore {
		proofs = quorumstore.NewProofBuilder(vset, m.network, m.cfg.ProofTimeout, m.log)
		listener = quorumstore.NewListener(m.cfg.NumListenerShards, m.cfg.MaxBatchBytes, m.qsStore,
			&digestSigner{self: m.cfg.Self, signer: m.cfg.Signer}, m.network, proofs, m.log)

		epoch := state.Epoch
		batchExpiryRounds := m.cfg.BatchExpiryRounds
		wrapperCfg := quorumstore.WrapperConfig{
			Self:          m.cfg.Self,
			Epoch:         epoch,
			PullInterval:  m.cfg.PullInterval,
			MaxBatchBytes: m.cfg.MaxBatchBytes,
			FragmentBytes: m.cfg.FragmentBytes,
			BatchExpiry: func() types.LogicalTime {
				return types.LogicalTime{Epoch: epoch, Round: roundState.CurrentRound() + batchExpiryRounds}
			},
			MaxLivePoS: m.cfg.MaxLivePoS,
		}
		wrapper = quorumstore.NewWrapper(wrapperCfg, m.cfg.Mempool, m.network, proofs, m.qsStore, m.log)

		qsPayload = newQuorumStorePayloadSource()
		payloadSource = qsPayload
	} else {
		payloadSource = &directMempoolPayloadSource{mempool: m.cfg.Mempool}
	}

	proposals := consensus.NewProposalGenerator(m.cfg.Self, store, payloadSource, m.cfg.MaxProposalTxns, m.cfg.MaxProposalBytes, nowMicros)

	var commitPipeline *pipeline.Pipeline
	if state.Config.DecoupledExecution {
		root := store.Root()
		commitPipeline = pipeline.New(pipeline.Config{
			Self:            m.cfg.Self,
			Signer:          m.cfg.Signer,
			Engine:          m.cfg.Engine,
			Resolver:        dataManager,
			Ledger:          m.cfg.Ledger,
			Mempool:         m.cfg.Mempool,
			Validators:      vset,
			CommitVotes:     m.network,
			CommitDecisions: m.network,
			ParentStateHash: root.StateHash,
			OrderedChanSize: m.cfg.OrderedChanSize,
			OnCommit:        m.buildQuorumStoreCommitNotifier(state, dataManager, wrapper),
			Log:             m.log,
		})
		commitPipeline.Start(egCtx)
	}

	onCommit := m.buildCommitCallback(state, dataManager, wrapper, commitPipeline)

	rm := consensus.NewRoundManager(consensus.RoundManagerConfig{
		Epoch:      state.Epoch,
		Author:     m.cfg.Self,
		Validators: state.Validators,
		Election:   election,
		Round:      roundState,
		Store:      store,
		Proposals:  proposals,
		Safety:     safety,
		Network:    m.network,
		OnCommit:   onCommit,
		Log:        m.log,
	})

	retrieval := newBlockRetrievalTask(store, m.network, m.log)
	g.Go(func() error {
		retrieval.run(egCtx)
		return nil
	})

	if wrapper != nil {
		wrapper.Start(egCtx, func(proof *types.ProofOfStore) {
			qsPayload.AddProof(proof)
			if err := m.network.BroadcastProofOfStore(proof); err != nil {
				m.log.Warn("broadcasting proof of store failed", logger.Error(err))
			}
		})
	}

	actors := &epochActors{
		state:         state,
		cancel:        cancel,
		g:             g,
		validators:    vset,
		roundState:    roundState,
		store:         store,
		roundManager:  rm,
		dataManager:   dataManager,
		proofs:        proofs,
		listener:      listener,
		wrapper:       wrapper,
		payloadSource: qsPayload,
		pipeline:      commitPipeline,
		retrieval:     retrieval,
		timeoutCh:     roundState.NewTimer(),
	}

	m.mu.Lock()
	m.current = actors
	m.mu.Unlock()

	return rm.ProcessNewRound(roundState.CurrentRound())
}

// buildCommitCallback returns the RoundManager's CommitCallback for the
// selected commit mode. In decoupled mode the block store's own notion of
// "committed" only means order-certified; the block is handed to the
// commit pipeline, whose PersistingPhase performs the real ledger write
// and mempool notification once execution and commit-vote quorum finish.
// In inline mode there is no pipeline, so this callback does that work
// itself (chained 3-vote commit rule).
func (m *Manager) buildCommitCallback(state *types.EpochState, dataManager *quorumstore.DataManager, wrapper *quorumstore.Wrapper, commitPipeline *pipeline.Pipeline) consensus.CommitCallback {
	if state.Config.DecoupledExecution {
		return func(committed *blockstore.ExecutedBlock, _ *types.QuorumCert) {
			if commitPipeline != nil {
				commitPipeline.Submit(committed.BlockData)
			}
		}
	}
	return func(committed *blockstore.ExecutedBlock, qc *types.QuorumCert) {
		if qc.LedgerCommitInfo != nil {
			if err := m.cfg.Ledger.SaveLedgerInfo(qc.LedgerCommitInfo); err != nil {
				m.log.Error("persisting ledger info failed", logger.Error(err), logger.Round(qc.LedgerCommitInfo.Round))
			}
		}
		txns, err := dataManager.Resolve(context.Background(), committed.BlockData.Payload)
		if err != nil {
			m.log.Warn("resolving committed payload for mempool notification failed", logger.Error(err))
		} else {
			m.cfg.Mempool.NotifyCommitted(txns)
		}
		if state.Config.UseQuorumStore {
			dataManager.NotifyCommitted(m.qsStore, types.LogicalTime{Epoch: state.Epoch, Round: committed.GetRound()})
			if wrapper != nil {
				wrapper.NotePoSConsumed()
			}
		}
	}
}

// buildQuorumStoreCommitNotifier is the commit pipeline's OnCommit hook
// in decoupled mode: once PersistingPhase finalizes a block, release the
// quorum-store batches it referenced and count the consumed
// proofs-of-store against the wrapper's live-PoS budget.
func (m *Manager) buildQuorumStoreCommitNotifier(state *types.EpochState, dataManager *quorumstore.DataManager, wrapper *quorumstore.Wrapper) func(ledgerInfo *types.LedgerInfo, block *types.BlockData) {
	if !state.Config.UseQuorumStore {
		return nil
	}
	return func(_ *types.LedgerInfo, block *types.BlockData) {
		dataManager.NotifyCommitted(m.qsStore, types.LogicalTime{Epoch: state.Epoch, Round: block.Round})
		if wrapper != nil {
			wrapper.NotePoSConsumed()
		}
	}
}

func (m *Manager) buildElection(state *types.EpochState, store *blockstore.BlockStore) (leader.Election, error) {
	authors := state.Validators.Authors()
	switch state.Config.ProposerElectionType {
	case types.ProposerElectionFixed:
		return leader.NewFixed(authors, nil)
	case types.ProposerElectionRoundProposer:
		return leader.NewRoundProposer(m.cfg.RoundProposerTable, m.cfg.RoundProposerFallback)
	case types.ProposerElectionLeaderReputation:
		rep, err := leader.NewReputation(state.Validators, &blockStoreHistory{store: store}, m.cfg.ReputationConfig)
		if err != nil {
			return nil, err
		}
		return leader.NewCachedElection(rep, m.cfg.CachedElectionSize)
	default:
		return leader.NewRotating(authors, m.cfg.ElectionContiguousRounds)
	}
}

func startRoundFor(store *blockstore.BlockStore) uint64 {
	if qc := store.GetHighQc(); qc != nil {
		return qc.GetRound() + 1
	}
	return store.Root().GetRound() + 1
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
