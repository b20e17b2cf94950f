package leader

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/quorumchain/validator/types"
)

// VoteHistoryEntry is one block's worth of proposer/voter activity, the
// unit the reputation window slides over ("Leader Reputation").
type VoteHistoryEntry struct {
	Round    uint64
	Proposer types.Author
	Voters   []types.Author
}

// HistoryProvider supplies the sliding window of activity a reputation
// election needs, plus cross-epoch history when available. Implementations
// may return fewer epochs than requested if storage does not have them;
// GetLeader degrades gracefully in that case, falling back to current
// epoch history.
type HistoryProvider interface {
	RecentHistory(window int) []VoteHistoryEntry
	PreviousEpochHistory(maxEpochs int) ([][]VoteHistoryEntry, error)
}

type weightClass int

const (
	weightFailed weightClass = iota
	weightInactive
	weightActive
)

// ReputationConfig parameterizes the weighted-sampling formula.
type ReputationConfig struct {
	ProposerWindowMultiplier int
	VoterWindowMultiplier    int
	FailureThresholdPercent  int
	ActiveWeight             uint64
	InactiveWeight           uint64
	FailedWeight             uint64
	UseVotingPower           bool
	UseHistoryFromPrevEpochs int
}

// Reputation implements the proposer-and-voter weighted election variant.
// It is not safe for concurrent use directly; wrap with
// NewCachedElection for the memoizing, concurrency-safe caching layer the epoch
// manager actually installs.
type Reputation struct {
	validators *types.ValidatorSet
	history    HistoryProvider
	cfg        ReputationConfig
}

// NewReputation constructs a Reputation election, rejecting an empty
// validator set.
func NewReputation(validators *types.ValidatorSet, history HistoryProvider, cfg ReputationConfig) (*Reputation, error) {
	if validators == nil || validators.Len() == 0 {
		return nil, ErrEmptyProposerSet
	}
	return &Reputation{validators: validators, history: history, cfg: cfg}, nil
}

func (r *Reputation) window() int {
	n := r.validators.Len()
	w := n * r.cfg.ProposerWindowMultiplier
	if vw := n * r.cfg.VoterWindowMultiplier; vw > w {
		w = vw
	}
	if w <= 0 {
		w = n
	}
	return w
}

// weights computes each validator's weight class over the combined
// current + historical window, falling back to current-epoch-only history
// if cross-epoch history cannot be fetched (boundary).
func (r *Reputation) weights() map[types.Author]uint64 {
	window := r.window()
	entries := r.history.RecentHistory(window)

	if r.cfg.UseHistoryFromPrevEpochs > 0 {
		prior, err := r.history.PreviousEpochHistory(r.cfg.UseHistoryFromPrevEpochs)
		if err == nil {
			for _, epochHistory := range prior {
				entries = append(epochHistory, entries...)
			}
		}
		// on error, degrade gracefully: proceed with current-epoch-only entries
	}

	opportunities := make(map[types.Author]int)
	successes := make(map[types.Author]int)
	failed := make(map[types.Author]bool)

	for _, e := range entries {
		for _, a := range r.validators.Authors() {
			opportunities[a]++
		}
		if e.Proposer != "" {
			voted := false
			for _, v := range e.Voters {
				if v == e.Proposer {
					voted = true
					break
				}
			}
			if !voted {
				failed[e.Proposer] = true
			}
		}
		for _, v := range e.Voters {
			successes[v]++
		}
		if e.Proposer != "" {
			successes[e.Proposer]++
		}
	}

	weights := make(map[types.Author]uint64, r.validators.Len())
	for _, a := range r.validators.Authors() {
		class := weightInactive
		switch {
		case failed[a]:
			class = weightFailed
		case opportunities[a] > 0 && (successes[a]*100)/opportunities[a] >= r.cfg.FailureThresholdPercent:
			class = weightActive
		}

		var w uint64
		switch class {
		case weightActive:
			w = r.cfg.ActiveWeight
		case weightFailed:
			w = r.cfg.FailedWeight
		default:
			w = r.cfg.InactiveWeight
		}
		if r.cfg.UseVotingPower {
			w *= r.validators.VotingPower(a)
		}
		weights[a] = w
	}
	return weights
}

// GetLeader deterministically samples a leader for round using the
// weighted-by-history distribution, seeded by round so every honest
// validator computes the same result.
func (r *Reputation) GetLeader(round uint64) types.Author {
	weights := r.weights()
	authors := r.validators.Authors()

	var total uint64
	for _, a := range authors {
		total += weights[a]
	}
	if total == 0 {
		return authors[round%uint64(len(authors))]
	}

	target := deterministicSample(round, total)
	var acc uint64
	for _, a := range authors {
		acc += weights[a]
		if target < acc {
			return a
		}
	}
	return authors[len(authors)-1]
}

// deterministicSample maps round to a value in [0,total) via a simple
// multiplicative hash, avoiding any dependency on wall-clock randomness so
// every validator's election agrees.
func deterministicSample(round, total uint64) uint64 {
	h := round*2654435761 + 0x9E3779B97F4A7C15
	return h % total
}

// CachedElection memoizes the last maxFailedAuthorsToStore+3 election
// results, sizing the cache off the failed-authors config so a retried
// round doesn't recompute the full weighted sample.
type CachedElection struct {
	inner Election
	cache *lru.Cache
}

// NewCachedElection wraps inner with an LRU keyed by round.
func NewCachedElection(inner Election, maxFailedAuthorsToStore int) (*CachedElection, error) {
	size := maxFailedAuthorsToStore + 3
	if size <= 0 {
		size = 3
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedElection{inner: inner, cache: c}, nil
}

func (c *CachedElection) GetLeader(round uint64) types.Author {
	if v, ok := c.cache.Get(round); ok {
		return v.(types.Author)
	}
	leader := c.inner.GetLeader(round)
	c.cache.Add(round, leader)
	return leader
}
