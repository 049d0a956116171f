package primary

import (
	"time"

	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/persist"
)

// GetCertificate implements gateway.PrimaryHandler, passthrough to storage.
func (p *Primary) GetCertificate(id string) (*core.BatchCertificate, bool) {
	return p.storage.GetCertificate(id)
}

// GetTransmission implements gateway.PrimaryHandler, passthrough to storage.
func (p *Primary) GetTransmission(id core.TransmissionID) (core.Transmission, bool) {
	return p.storage.GetTransmission(id)
}

// Snapshot captures the Primary's in-flight proposal and signed-proposal
// cache for persistence across restarts.
func (p *Primary) Snapshot() persist.Snapshot {
	snap := persist.Snapshot{SignedProposals: make(map[string]persist.SignedProposal)}

	p.batchMu.Lock()
	if p.batch != nil {
		snap.ProposedBatch = &persist.ProposedBatchState{
			Header:        p.batch.proposal.Header,
			Transmissions: p.batch.proposal.Transmissions,
			Order:         p.batch.proposal.InsertionOrder,
			CreatedAtUnix: p.batch.createdAt.Unix(),
		}
	}
	p.batchMu.Unlock()

	p.signedMu.Lock()
	for author, sp := range p.signed {
		snap.SignedProposals[author] = persist.SignedProposal{Round: sp.Round, BatchID: sp.BatchID, Signature: sp.Signature}
	}
	p.signedMu.Unlock()

	return snap
}

// Restore replays a persisted snapshot into the Primary at startup, before
// any gateway connections are established.
func (p *Primary) Restore(snap persist.Snapshot) {
	if snap.ProposedBatch != nil {
		committee, err := p.ledger.CommitteeLookbackForRound(snap.ProposedBatch.Header.Round)
		if err == nil && committee.IsMember(p.self) {
			proposal := core.NewProposal(committee, snap.ProposedBatch.Header, snap.ProposedBatch.Transmissions, snap.ProposedBatch.Order)
			p.batchMu.Lock()
			p.batch = &proposedBatch{proposal: proposal, createdAt: time.Unix(snap.ProposedBatch.CreatedAtUnix, 0)}
			p.latestProposedRound = snap.ProposedBatch.Header.Round
			p.batchMu.Unlock()
		}
	}

	p.signedMu.Lock()
	for author, sp := range snap.SignedProposals {
		p.signed[author] = signedProposal{Round: sp.Round, BatchID: sp.BatchID, Signature: sp.Signature}
	}
	p.signedMu.Unlock()
}
