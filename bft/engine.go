// Package bft implements the round-advancement state machine and
// leader-commit DFS ordering described in spec §4.5. The teacher repo has
// no DAG-BFT analogue; the engine shape (an owned struct with a driving
// loop and validation methods, a single serializing lock held only across
// local state transitions) is grounded on consensus/poa.go's engine.
package bft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/dag"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/ledger"
	"github.com/tolelom/dagbft/storage"
)

// ConsensusCallback hands a committed subdag and its deduplicated
// transmissions to the downstream consensus/ledger layer. It is not invoked
// for commits made while syncing (UpdateDAG with isSyncing true): those still
// advance commit bookkeeping but are not delivered.
type ConsensusCallback func(ctx context.Context, subdag *Subdag, transmissions map[core.TransmissionID]core.Transmission) error

// Engine is the BFT commit engine. Exactly one Engine exists per validator
// process, shared with the Primary only through the narrow BFTLink surface
// (implemented by *Engine; see SendPrimaryRoundToBFT/SendPrimaryCertificateToBFT).
type Engine struct {
	self string

	dag     *dag.DAG
	storage *storage.Storage
	ledger  ledger.Service
	emitter *events.Emitter

	onCommit ConsensusCallback

	// lock serializes UpdateDAG and ShutDown — the only async lock held
	// across awaits in the BFT core, per spec §5.
	lock sync.Mutex

	leaderCertificate      *core.BatchCertificate
	leaderCertificateTimer time.Time
}

// New creates an Engine. onCommit may be nil for deployments that only want
// local DAG bookkeeping without a downstream consensus layer.
func New(self string, d *dag.DAG, st *storage.Storage, ledgerSvc ledger.Service, emitter *events.Emitter, onCommit ConsensusCallback) *Engine {
	return &Engine{
		self:                   self,
		dag:                    d,
		storage:                st,
		ledger:                 ledgerSvc,
		emitter:                emitter,
		onCommit:               onCommit,
		leaderCertificateTimer: time.Now(),
	}
}

// Leader returns the committee-lookback's elected leader for round, or
// ("", err) if the lookback is unavailable.
func (e *Engine) Leader(round uint64) (string, error) {
	committee, err := e.ledger.CommitteeLookbackForRound(round)
	if err != nil {
		return "", fmt.Errorf("bft: leader lookup: %w", err)
	}
	return committee.Leader(round), nil
}

// IsSynced reports whether the DAG's commit watermark has caught up to
// storage's current round within the GC retention window.
func (e *Engine) IsSynced() bool {
	return e.storage.CurrentRound() <= e.dag.LastCommittedRound()+e.storage.MaxGCRounds()
}

// LastCommittedRound returns the round of the most recently committed leader
// certificate.
func (e *Engine) LastCommittedRound() uint64 { return e.dag.LastCommittedRound() }

func (e *Engine) emit(typ events.EventType, round uint64, data map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(events.Event{Type: typ, Round: round, Data: data})
}

// UpdateToNextRound implements spec §4.5's round advancement: even rounds
// advance on leader selection, odd rounds on availability/quorum/timer.
func (e *Engine) UpdateToNextRound(currentRound uint64) (bool, error) {
	if currentRound < e.storage.CurrentRound() {
		return false, fmt.Errorf("%w: round %d behind storage round %d", core.ErrInvalidRound, currentRound, e.storage.CurrentRound())
	}

	var ready bool
	var err error
	if currentRound%2 == 0 {
		ready, err = e.updateLeaderCertificateToEvenRound(currentRound)
	} else {
		ready, err = e.isLeaderQuorumOrNonleadersAvailable(currentRound)
	}
	if err != nil {
		return false, err
	}

	if ready {
		e.storage.IncrementToNextRound(currentRound)
		e.leaderCertificateTimer = time.Now()
		e.emit(events.EventRoundAdvanced, currentRound, nil)
	}
	return ready, nil
}

// SendPrimaryRoundToBFT implements primary.BFTLink for *Engine.
func (e *Engine) SendPrimaryRoundToBFT(round uint64) bool {
	ready, err := e.UpdateToNextRound(round)
	if err != nil {
		return false
	}
	return ready
}

// SendPrimaryCertificateToBFT implements primary.BFTLink for *Engine.
func (e *Engine) SendPrimaryCertificateToBFT(cert *core.BatchCertificate) error {
	return e.UpdateDAG(context.Background(), cert, true, false)
}

func (e *Engine) isTimerExpired() bool {
	return time.Since(e.leaderCertificateTimer) >= core.MaxLeaderCertificateDelay
}

// updateLeaderCertificateToEvenRound implements spec §4.5's even-round
// leader selection.
func (e *Engine) updateLeaderCertificateToEvenRound(round uint64) (bool, error) {
	certs := e.storage.GetCertificatesForRound(round)

	committee, err := e.ledger.CommitteeLookbackForRound(round)
	if err != nil {
		return false, fmt.Errorf("bft: committee lookback: %w", err)
	}
	leader := committee.Leader(round)

	var leaderCert *core.BatchCertificate
	var authorStake uint64
	seen := make(map[string]bool, len(certs))
	for _, c := range certs {
		if seen[c.Author()] {
			continue
		}
		seen[c.Author()] = true
		authorStake += committee.Stake(c.Author())
		if c.Author() == leader {
			leaderCert = c
		}
	}
	e.leaderCertificate = leaderCert

	if authorStake < committee.QuorumThreshold() {
		return false, nil
	}
	if leaderCert != nil {
		e.emit(events.EventLeaderElected, round, map[string]any{"leader": leader})
		return true, nil
	}
	return e.isTimerExpired(), nil
}

// isLeaderQuorumOrNonleadersAvailable implements spec §4.5's odd-round
// advancement rule.
func (e *Engine) isLeaderQuorumOrNonleadersAvailable(round uint64) (bool, error) {
	certs := e.storage.GetCertificatesForRound(round)

	committee, err := e.ledger.CommitteeLookbackForRound(round)
	if err != nil {
		return false, fmt.Errorf("bft: committee lookback: %w", err)
	}

	var totalStake uint64
	seen := make(map[string]bool, len(certs))
	for _, c := range certs {
		if seen[c.Author()] {
			continue
		}
		seen[c.Author()] = true
		totalStake += committee.Stake(c.Author())
	}
	if totalStake < committee.QuorumThreshold() {
		return false, nil
	}

	if e.leaderCertificate == nil {
		return true, nil
	}

	stakeWith, stakeWithout := e.computeStakeForLeaderCertificate(e.leaderCertificate, certs, committee)
	if stakeWith >= committee.AvailabilityThreshold() {
		return true, nil
	}
	if stakeWithout >= committee.QuorumThreshold() {
		return true, nil
	}
	return e.isTimerExpired(), nil
}

func (e *Engine) computeStakeForLeaderCertificate(leaderCert *core.BatchCertificate, certs []*core.BatchCertificate, committee *core.Committee) (with uint64, without uint64) {
	leaderID := leaderCert.ID()
	seen := make(map[string]bool, len(certs))
	for _, c := range certs {
		if seen[c.Author()] {
			continue
		}
		seen[c.Author()] = true
		linked := false
		for _, prev := range c.Header.PreviousCertificateIDs {
			if prev == leaderID {
				linked = true
				break
			}
		}
		if linked {
			with += committee.Stake(c.Author())
		} else {
			without += committee.Stake(c.Author())
		}
	}
	return with, without
}
