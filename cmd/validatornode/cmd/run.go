package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	"github.com/quorumchain/validator/config"
	"github.com/quorumchain/validator/consensusprovider"
	"github.com/quorumchain/validator/external"
	"github.com/quorumchain/validator/keyvaluedb"
	"github.com/quorumchain/validator/keyvaluedb/badgerdb"
	"github.com/quorumchain/validator/keyvaluedb/boltdb"
	"github.com/quorumchain/validator/keyvaluedb/memorydb"
	"github.com/quorumchain/validator/logger"
	"github.com/quorumchain/validator/network/libp2pnet"
	"github.com/quorumchain/validator/observability"
	"github.com/quorumchain/validator/types"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a validator node",
	}
	flags := addRunFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), flags)
	}
	return cmd
}

func run(ctx context.Context, f *runFlags) error {
	cfg, err := f.NodeFlags.Build()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	obs := observability.NewFactory()
	log := obs.Logger()

	signer, keyAuthor, err := config.LoadSigner(cfg.KeyFile)
	if err != nil {
		return err
	}
	if keyAuthor != "" {
		cfg.Self = types.Author(keyAuthor)
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}

	net, err := buildNetwork(ctx, cfg, cfg.PeersFile, log)
	if err != nil {
		return err
	}

	genesis, err := buildGenesisPayload(f.ValidatorSetFile, db, cfg)
	if err != nil {
		return err
	}

	handle, err := consensusprovider.Start(ctx, consensusprovider.Config{
		Self:     cfg.Self,
		Signer:   signer,
		Network:  net,
		Mempool:  newFIFOMempool(),
		Engine:   newHashChainEngine(),
		Ledger:   newDBLedgerStore(db),
		Reconfig: newGenesisReconfigStream(genesis),
		DB:       db,

		RoundTimeoutInitial: cfg.RoundInitialTimeout(),
		RoundTimeoutBase:    cfg.RoundTimeoutBackoffBase,
		RoundTimeoutMaxExp:  cfg.RoundTimeoutBackoffMaxExp,

		MaxProposalTxns:  cfg.MaxSendingBlockTxns,
		MaxProposalBytes: cfg.MaxSendingBlockBytes,

		NumListenerShards: cfg.NumListenerShards,
		MaxBatchBytes:     cfg.MaxBatchBytes,
		FragmentBytes:     cfg.FragmentBytes,
		PullInterval:      cfg.PullInterval(),
		MaxLivePoS:        cfg.MaxLivePoS,
		ProofTimeout:      cfg.ProofTimeout(),
		BatchExpiryRounds: cfg.BatchExpiryRounds,
		StoreMaxMemBytes:  cfg.StoreMaxMemBytes,

		ElectionContiguousRounds: cfg.ElectionContiguousRounds,
		RoundProposerTable:       cfg.RoundProposerTable,
		RoundProposerFallback:    cfg.RoundProposerFallback,
		ReputationConfig:         cfg.Reputation,
		CachedElectionSize:       cfg.MaxFailedAuthorsToStore,

		OrderedChanSize: int(cfg.IntraConsensusChannelBufferSize),

		Obs: obs,
	})
	if err != nil {
		return fmt.Errorf("starting consensus: %w", err)
	}

	log.Info("validator node started", logger.Author(string(cfg.Self)))
	<-ctx.Done()
	handle.Stop()
	return handle.Wait()
}

func openDB(cfg *config.Config) (keyvaluedb.KeyValueDB, error) {
	path := cfg.DBFile
	if path == "" {
		path = nodeDBFileName
	}
	switch cfg.DBBackend {
	case "bolt":
		return boltdb.New(path)
	case "badger":
		return badgerdb.New(path)
	case "memory":
		return memorydb.New()
	default:
		return nil, fmt.Errorf("unknown db backend %q", cfg.DBBackend)
	}
}

const nodeDBFileName = "node.db"

func buildNetwork(ctx context.Context, cfg *config.Config, peersFile string, log *slog.Logger) (*libp2pnet.Network, error) {
	peerInfos := make(map[types.Author]libp2pnet.PeerInfo)
	if peersFile != "" {
		entries, err := config.LoadPeers(peersFile)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			id, err := peer.Decode(e.PeerID)
			if err != nil {
				return nil, fmt.Errorf("parsing peer id for %s: %w", e.Author, err)
			}
			addrs := make([]ma.Multiaddr, 0, len(e.Addrs))
			for _, a := range e.Addrs {
				addr, err := ma.NewMultiaddr(a)
				if err != nil {
					return nil, fmt.Errorf("parsing multiaddr %q for %s: %w", a, e.Author, err)
				}
				addrs = append(addrs, addr)
			}
			peerInfos[types.Author(e.Author)] = libp2pnet.PeerInfo{ID: id, Addrs: addrs}
		}
	}

	return libp2pnet.New(ctx, libp2pnet.Config{
		Self:           cfg.Self,
		ListenAddrs:    cfg.ListenAddrs,
		Peers:          peerInfos,
		RequestTimeout: cfg.RequestTimeout(),
		InboxSize:      cfg.ChannelSize,
		Log:            log,
	})
}

// buildGenesisPayload assembles the first OnChainConfigPayload
// epoch.Manager.Start blocks on, from the validator set file (required
// for a brand new node) and this node's own tuning flags mapped onto
// types.OnChainConsensusConfig.
func buildGenesisPayload(validatorSetFile string, db keyvaluedb.KeyValueDB, cfg *config.Config) (*external.OnChainConfigPayload, error) {
	if validatorSetFile == "" {
		return nil, fmt.Errorf("--validator-set is required for a node's first run")
	}
	entries, err := config.LoadValidatorSet(validatorSetFile)
	if err != nil {
		return nil, err
	}
	validators := make([]types.ValidatorInfo, 0, len(entries))
	for _, e := range entries {
		pub, err := hex.DecodeString(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decoding public key for %s: %w", e.Author, err)
		}
		validators = append(validators, types.ValidatorInfo{
			Author:      types.Author(e.Author),
			VotingPower: e.VotingPower,
			PublicKey:   pub,
		})
	}
	vset, err := types.NewValidatorSet(validators)
	if err != nil {
		return nil, fmt.Errorf("constructing validator set: %w", err)
	}

	// A fresh node has no committed ledger info yet: its first operating
	// epoch is GenesisEpoch+1, since genesis itself is epoch 0 (matches
	// epoch.Manager's payload.Epoch becoming state.Epoch directly). A
	// restarted node resumes the epoch its last commit belongs to
	// (SaveLedgerInfo is called with the committing block's own epoch,
	// not epoch+1) rather than advancing it; epoch advancement only
	// happens through a later EpochChangeMsg once the manager is running.
	ledgerStore := newDBLedgerStore(db)
	ledgerInfo, err := ledgerStore.GetLatestLedgerInfo()
	if err != nil {
		return nil, fmt.Errorf("reading latest ledger info: %w", err)
	}
	epoch := types.GenesisEpoch + 1
	if ledgerInfo == nil {
		ledgerInfo = &types.LedgerInfo{Epoch: types.GenesisEpoch, Round: types.GenesisRound}
	} else {
		epoch = ledgerInfo.Epoch
	}

	return &external.OnChainConfigPayload{
		Epoch:      epoch,
		Validators: vset,
		Config: types.OnChainConsensusConfig{
			UseQuorumStore:       cfg.UseQuorumStore,
			DecoupledExecution:   cfg.DecoupledExecution,
			ProposerElectionType: cfg.ProposerElectionType,
		},
		LedgerInfo: ledgerInfo,
	}, nil
}
