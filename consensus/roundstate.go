// Package consensus implements the round/proposer state machine: round
// timeouts, proposal generation, and the per-round vote/timeout/sync-info
// flow.
package consensus

import (
	"math"
	"sync"
	"time"

	"github.com/quorumchain/validator/types"
)

// TimeoutBackoff parameterizes the round timer's exponential backoff
// ("base round_initial_timeout_ms, multiplier backoff_base,
// capped by backoff_max_exponent").
type TimeoutBackoff struct {
	InitialTimeout time.Duration
	Base           float64
	MaxExponent    uint
}

// Duration returns the timeout for roundsSinceProgress consecutive rounds
// without progress (0 means "this is the first attempt at the round").
func (b TimeoutBackoff) Duration(roundsSinceProgress uint) time.Duration {
	exp := roundsSinceProgress
	if exp > b.MaxExponent {
		exp = b.MaxExponent
	}
	multiplier := math.Pow(b.Base, float64(exp))
	return time.Duration(float64(b.InitialTimeout) * multiplier)
}

// RoundState tracks the current round, the single outstanding timer for
// it, and the highest QC/TC seen, following a pacemaker design with one
// live timer per round rather than one per outstanding proposal.
type RoundState struct {
	mu sync.Mutex

	currentRound        uint64
	roundsSinceProgress uint
	backoff             TimeoutBackoff

	highestQC *types.QuorumCert
	highestTC *types.TimeoutCert

	timer   *time.Timer
	timerCh chan uint64 // delivers the round that timed out
}

// NewRoundState constructs a RoundState starting at startRound.
func NewRoundState(startRound uint64, backoff TimeoutBackoff) *RoundState {
	return &RoundState{
		currentRound: startRound,
		backoff:      backoff,
		timerCh:      make(chan uint64, 1),
	}
}

// CurrentRound returns the round currently being driven.
func (rs *RoundState) CurrentRound() uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.currentRound
}

// HighestQC returns the highest-round QC observed so far.
func (rs *RoundState) HighestQC() *types.QuorumCert {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.highestQC
}

// HighestTC returns the highest-round TC observed so far.
func (rs *RoundState) HighestTC() *types.TimeoutCert {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.highestTC
}

// RecordQC updates the highest QC if qc is newer, returning whether the
// round should advance.
func (rs *RoundState) RecordQC(qc *types.QuorumCert) (advance bool, newRound uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if qc.GetRound() > rs.highestQC.GetRound() {
		rs.highestQC = qc
	}
	return rs.maybeAdvanceLocked(qc.GetRound())
}

// RecordTC updates the highest TC if tc is newer, returning whether the
// round should advance.
func (rs *RoundState) RecordTC(tc *types.TimeoutCert) (advance bool, newRound uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if tc.GetRound() > rs.highestTC.GetRound() {
		rs.highestTC = tc
	}
	return rs.maybeAdvanceLocked(tc.GetRound())
}

func (rs *RoundState) maybeAdvanceLocked(certifiedRound uint64) (bool, uint64) {
	next := certifiedRound + 1
	if next > rs.currentRound {
		rs.currentRound = next
		rs.roundsSinceProgress = 0
		return true, next
	}
	return false, rs.currentRound
}

// NewTimer starts (or restarts) the single outstanding timer for the
// current round, cancelling any prior timer ("a single
// outstanding timer per round is refreshed when the round advances").
func (rs *RoundState) NewTimer() <-chan uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.timer != nil {
		rs.timer.Stop()
	}
	round := rs.currentRound
	d := rs.backoff.Duration(rs.roundsSinceProgress)
	rs.timer = time.AfterFunc(d, func() {
		select {
		case rs.timerCh <- round:
		default:
		}
	})
	return rs.timerCh
}

// RecordTimeout marks that the current round timed out without progress,
// increasing the backoff exponent for the next attempt.
func (rs *RoundState) RecordTimeout() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.roundsSinceProgress++
}

// SyncInfo snapshots the highest QC/TC for inclusion in outbound messages.
func (rs *RoundState) SyncInfo() *types.SyncInfo {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return &types.SyncInfo{HighQC: rs.highestQC, HighTC: rs.highestTC}
}
