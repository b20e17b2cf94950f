// Package consensusprovider assembles one validator's full set of
// epoch.Manager collaborators from a flat configuration struct and starts
// it on a background goroutine, returning a Handle the caller can use to
// stop it and observe its terminal error.
package consensusprovider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumchain/validator/consensus"
	"github.com/quorumchain/validator/crypto"
	"github.com/quorumchain/validator/epoch"
	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/keyvaluedb"
	"github.com/quorumchain/validator/leader"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/observability"
	"github.com/quorumchain/validator/types"
)

// Config is the flat, config-file-friendly shape cmd/validatornode builds
// from parsed flags/TOML, kept separate from epoch.Config so this package
// owns defaulting and validation instead of spreading it across callers.
type Config struct {
	Self   types.Author
	Signer crypto.Signer

	Network  epoch.Network
	Mempool  external.Mempool
	Engine   external.ExecutionEngine
	Ledger   external.LedgerStore
	Reconfig external.ReconfigStream
	DB       keyvaluedb.KeyValueDB

	RoundTimeoutInitial  time.Duration
	RoundTimeoutBase     float64
	RoundTimeoutMaxExp   uint

	MaxProposalTxns  uint64
	MaxProposalBytes uint64

	NumListenerShards uint32
	MaxBatchBytes     uint64
	FragmentBytes     uint64
	PullInterval      time.Duration
	MaxLivePoS        uint64
	ProofTimeout      time.Duration
	BatchExpiryRounds uint64
	StoreMaxMemBytes  uint64

	ElectionContiguousRounds uint64
	RoundProposerTable       map[uint64]types.Author
	RoundProposerFallback    types.Author
	ReputationConfig         leader.ReputationConfig
	CachedElectionSize       int

	OrderedChanSize int

	Obs observability.Observability
}

// Handle is the running consensus process, returned instead of a bare
// error so callers can wait for it to exit or stop it early.
type Handle struct {
	manager *epoch.Manager
	cancel  context.CancelFunc
	done    chan error
}

// Stop cancels the manager's context; Wait still must be called (or its
// result discarded) to observe the resulting error.
func (h *Handle) Stop() {
	h.cancel()
}

// Wait blocks until the manager's event loop returns, which only happens
// once Stop is called or the loop hits an unrecoverable network error.
func (h *Handle) Wait() error {
	return <-h.done
}

// Manager returns the underlying epoch.Manager, for callers (tests,
// admin endpoints) that need direct access beyond Stop/Wait.
func (h *Handle) Manager() *epoch.Manager {
	return h.manager
}

func (c *Config) validate() error {
	if c.Self == "" {
		return fmt.Errorf("consensusprovider: Self author must not be empty")
	}
	if c.Signer == nil {
		return fmt.Errorf("consensusprovider: Signer is required")
	}
	if c.Network == nil {
		return fmt.Errorf("consensusprovider: Network is required")
	}
	if c.Mempool == nil {
		return fmt.Errorf("consensusprovider: Mempool is required")
	}
	if c.Engine == nil {
		return fmt.Errorf("consensusprovider: Engine is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("consensusprovider: Ledger is required")
	}
	if c.Reconfig == nil {
		return fmt.Errorf("consensusprovider: Reconfig is required")
	}
	if c.DB == nil {
		return fmt.Errorf("consensusprovider: DB is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RoundTimeoutInitial == 0 {
		c.RoundTimeoutInitial = time.Second
	}
	if c.RoundTimeoutBase == 0 {
		c.RoundTimeoutBase = 1.2
	}
	if c.MaxProposalTxns == 0 {
		c.MaxProposalTxns = 1000
	}
	if c.MaxProposalBytes == 0 {
		c.MaxProposalBytes = 1 << 20
	}
	if c.NumListenerShards == 0 {
		c.NumListenerShards = 4
	}
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = 4 << 20
	}
	if c.FragmentBytes == 0 {
		c.FragmentBytes = 64 << 10
	}
	if c.PullInterval == 0 {
		c.PullInterval = 100 * time.Millisecond
	}
	if c.MaxLivePoS == 0 {
		c.MaxLivePoS = 50
	}
	if c.ProofTimeout == 0 {
		c.ProofTimeout = 500 * time.Millisecond
	}
	if c.BatchExpiryRounds == 0 {
		c.BatchExpiryRounds = 50
	}
	if c.StoreMaxMemBytes == 0 {
		c.StoreMaxMemBytes = 256 << 20
	}
	if c.ElectionContiguousRounds == 0 {
		c.ElectionContiguousRounds = 1
	}
	if c.CachedElectionSize == 0 {
		c.CachedElectionSize = 10
	}
	if c.OrderedChanSize == 0 {
		c.OrderedChanSize = 64
	}
	if c.Obs == nil {
		c.Obs = observability.NewFactory()
	}
}

// Start wires Config into an epoch.Manager and runs it on a background
// goroutine, returning immediately with a Handle.
func Start(ctx context.Context, cfg Config) (*Handle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	log := cfg.Obs.Logger()

	manager := epoch.NewManager(epoch.Config{
		Self:     cfg.Self,
		Signer:   cfg.Signer,
		Network:  cfg.Network,
		Mempool:  cfg.Mempool,
		Engine:   cfg.Engine,
		Ledger:   cfg.Ledger,
		Reconfig: cfg.Reconfig,
		DB:       cfg.DB,
		RoundTimeout: consensus.TimeoutBackoff{
			InitialTimeout: cfg.RoundTimeoutInitial,
			Base:           cfg.RoundTimeoutBase,
			MaxExponent:    cfg.RoundTimeoutMaxExp,
		},
		MaxProposalTxns:          cfg.MaxProposalTxns,
		MaxProposalBytes:         cfg.MaxProposalBytes,
		NumListenerShards:        cfg.NumListenerShards,
		MaxBatchBytes:            cfg.MaxBatchBytes,
		FragmentBytes:            cfg.FragmentBytes,
		PullInterval:             cfg.PullInterval,
		MaxLivePoS:               cfg.MaxLivePoS,
		ProofTimeout:             cfg.ProofTimeout,
		BatchExpiryRounds:        cfg.BatchExpiryRounds,
		StoreMaxMemBytes:         cfg.StoreMaxMemBytes,
		ElectionContiguousRounds: cfg.ElectionContiguousRounds,
		RoundProposerTable:       cfg.RoundProposerTable,
		RoundProposerFallback:    cfg.RoundProposerFallback,
		ReputationConfig:         cfg.ReputationConfig,
		CachedElectionSize:       cfg.CachedElectionSize,
		OrderedChanSize:          cfg.OrderedChanSize,
		Log:                      log,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return manager.Start(gCtx)
	})

	go func() {
		done <- g.Wait()
		log.Info("consensus stopped", logger.Author(string(cfg.Self)))
	}()

	log.Info("consensus started", logger.Author(string(cfg.Self)))
	return &Handle{manager: manager, cancel: cancel, done: done}, nil
}
