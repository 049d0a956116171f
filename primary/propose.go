package primary

import (
	"fmt"
	"time"

	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/events"
)

// ProposeBatch attempts to advance this validator's own proposal for the
// current round, following spec §4.4's nine-step round proposer algorithm.
// It is safe to call repeatedly (e.g. from a ping loop); most calls return
// immediately having taken no action.
func (p *Primary) ProposeBatch() error {
	p.checkProposalExpiration()

	p.proposeMu.Lock()
	defer p.proposeMu.Unlock()

	return p.proposeBatchLocked()
}

// proposeBatchLocked is ProposeBatch's body, assuming proposeMu is already
// held — used by callers (like the round-increment path) that need to
// propose again without releasing and re-acquiring the lock.
func (p *Primary) proposeBatchLocked() error {
	currentRound := p.storage.CurrentRound()

	// Step 2: nothing to do until storage has moved past our last attempt.
	if currentRound <= p.latestProposedRound {
		return nil
	}

	committee, err := p.ledger.CommitteeLookbackForRound(currentRound)
	if err != nil {
		return fmt.Errorf("propose batch: committee lookback: %w", err)
	}
	if !committee.IsMember(p.self) {
		return nil
	}

	// Step 3: if we still have a live proposal at this round, rebroadcast
	// to whoever hasn't signed yet instead of building a new one.
	p.batchMu.Lock()
	if p.batch != nil && p.batch.proposal.Header.Round == currentRound {
		header := p.batch.proposal.Header
		nonsigners := p.batch.proposal.Nonsigners(committee)
		p.batchMu.Unlock()
		for _, addr := range nonsigners {
			if addr == p.self {
				continue
			}
			p.gateway.SendBatchProposeTo(addr, header)
		}
		return nil
	}
	p.batchMu.Unlock()

	// Step 4: enforce minimum spacing since our own previous certificate.
	if currentRound >= 2 {
		if prevCert, ok := p.storage.GetCertificateForAuthorRound(currentRound-1, p.self); ok {
			elapsed := time.Since(time.Unix(prevCert.Header.Timestamp, 0))
			if elapsed < core.MinBatchDelay {
				return nil
			}
		} else if p.latestProposedBatchTimestamp != 0 {
			elapsed := time.Since(time.Unix(p.latestProposedBatchTimestamp, 0))
			if elapsed < core.MinBatchDelay {
				return nil
			}
		}
	}

	// Step 5: if we already have a certificate at this round, just ask the
	// BFT engine whether it is ready to move on.
	if _, ok := p.storage.GetCertificateForAuthorRound(currentRound, p.self); ok {
		if p.bft.SendPrimaryRoundToBFT(currentRound) {
			return p.tryIncrementToNextRoundLocked(currentRound + 1)
		}
		return nil
	}

	// Step 6: connected stake (plus self) must reach quorum.
	var connectedStake uint64
	connectedStake += committee.Stake(p.self)
	for _, addr := range p.gateway.ConnectedValidators() {
		if addr == p.self {
			continue
		}
		connectedStake += committee.Stake(addr)
	}
	if connectedStake < committee.QuorumThreshold() {
		return nil
	}

	// Step 7: previous-round certificates must reach quorum (round >= 2).
	var previousIDs []string
	if currentRound >= 2 {
		prevCerts := p.storage.GetCertificatesForRound(currentRound - 1)
		var stake uint64
		for _, c := range prevCerts {
			stake += committee.Stake(c.Author())
			previousIDs = append(previousIDs, c.ID())
		}
		if stake < committee.QuorumThreshold() {
			return nil
		}
	}

	// Step 8: drain workers round-robin, skipping transmissions already
	// settled in the ledger or storage. An otherwise-empty batch is still
	// broadcast — empty proposals must not block round progress.
	ids, payload := p.drainWorkers(core.MaxTransmissionsPerBatch)

	header := core.BatchHeader{
		Author:                 p.self,
		Round:                  currentRound,
		Timestamp:              time.Now().Unix(),
		CommitteeID:            committee.ID(),
		TransmissionIDs:        ids,
		PreviousCertificateIDs: previousIDs,
	}
	if err := header.CheckRoundInvariant(); err != nil {
		p.reinsertIntoWorkers(payload)
		return fmt.Errorf("propose batch: %w", err)
	}

	sig, err := p.sign(header.BatchID())
	if err != nil {
		p.reinsertIntoWorkers(payload)
		return fmt.Errorf("propose batch: sign: %w", err)
	}
	header.Signature = sig

	order := append([]core.TransmissionID(nil), ids...)
	proposal := core.NewProposal(committee, header, payload, order)

	p.latestProposedRound = currentRound
	p.latestProposedBatchTimestamp = header.Timestamp
	p.batchMu.Lock()
	p.batch = &proposedBatch{proposal: proposal, createdAt: time.Now()}
	p.batchMu.Unlock()

	p.emit(events.EventBatchProposed, currentRound, map[string]any{"batch_id": header.BatchID()})
	p.gateway.BroadcastBatchPropose(header)
	return nil
}

// checkProposalExpiration abandons the in-flight proposal once
// MaxBatchDelay has elapsed without reaching quorum, returning its
// transmissions to the owning workers — supplemented from the original
// implementation's check_proposed_batch_for_expiration.
func (p *Primary) checkProposalExpiration() {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	if p.batch == nil {
		return
	}
	currentRound := p.storage.CurrentRound()
	expired := p.batch.proposal.Header.Round < currentRound || time.Since(p.batch.createdAt) > core.MaxBatchDelay
	if !expired {
		return
	}
	p.reinsertIntoWorkersLocked(p.batch.Transmissions())
	p.emit(events.EventProposalExpired, p.batch.proposal.Header.Round, nil)
	p.batch = nil
}

// Transmissions returns the proposal's payload map — a small accessor kept
// private to this file to avoid widening core.Proposal's surface.
func (b *proposedBatch) Transmissions() map[core.TransmissionID]core.Transmission {
	return b.proposal.Transmissions
}

func (p *Primary) drainWorkers(max int) ([]core.TransmissionID, map[core.TransmissionID]core.Transmission) {
	if len(p.workers) == 0 {
		return nil, nil
	}
	perWorker := max / len(p.workers)
	if perWorker == 0 {
		perWorker = 1
	}
	var ids []core.TransmissionID
	payload := make(map[core.TransmissionID]core.Transmission)
	for _, w := range p.workers {
		if len(ids) >= max {
			break
		}
		n := perWorker
		if remain := max - len(ids); n > remain {
			n = remain
		}
		drained, got := w.Drain(n)
		var kept []core.TransmissionID
		for _, id := range drained {
			t := got[id]
			if p.ledger.ContainsTransmission(id) {
				continue
			}
			if _, known := p.storage.GetTransmission(id); known {
				continue
			}
			kept = append(kept, id)
			payload[id] = t
		}
		ids = append(ids, kept...)
	}
	return ids, payload
}

func (p *Primary) reinsertIntoWorkers(payload map[core.TransmissionID]core.Transmission) {
	for id, t := range payload {
		_ = p.workerFor(id).ProcessTransmissionFromPeer(t)
		_ = id
	}
}

func (p *Primary) reinsertIntoWorkersLocked(payload map[core.TransmissionID]core.Transmission) {
	p.reinsertIntoWorkers(payload)
}
