package primary

// fastForwardStorage advances storage.current_round step by step up to
// next-1, provided we remain within the GC retention window, clearing any
// in-flight proposal that has fallen behind at each step.
func (p *Primary) fastForwardStorage(next uint64) {
	current := p.storage.CurrentRound()
	if current+p.storage.MaxGCRounds() < next {
		return
	}
	for current < next-1 {
		advanced := p.storage.IncrementToNextRound(current)
		if advanced == current {
			break
		}
		current = advanced
		p.batchMu.Lock()
		if p.batch != nil && p.batch.proposal.Header.Round < current {
			p.reinsertIntoWorkers(p.batch.Transmissions())
			p.batch = nil
		}
		p.batchMu.Unlock()
	}
}

// tryIncrementToNextRoundLocked implements spec §4.4's round increment
// contract, assuming the caller already holds proposeMu.
func (p *Primary) tryIncrementToNextRoundLocked(next uint64) error {
	p.fastForwardStorage(next)
	if p.storage.CurrentRound() < next {
		if p.bft.SendPrimaryRoundToBFT(p.storage.CurrentRound()) {
			return p.proposeBatchLocked()
		}
	}
	return nil
}

// TryIncrementToNextRound is the public entry point used by callers that do
// not already hold the Primary's propose lock (e.g. the certificate
// handler).
func (p *Primary) TryIncrementToNextRound(next uint64) error {
	p.checkProposalExpiration()
	p.proposeMu.Lock()
	defer p.proposeMu.Unlock()
	return p.tryIncrementToNextRoundLocked(next)
}
