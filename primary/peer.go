package primary

import (
	"context"
	"fmt"
	"time"

	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/events"
)

// ProcessBatchProposeFromPeer implements spec §4.4's peer proposal signer.
// peerID is the transport-level connection identifier; it is resolved to a
// committee address before anything else is trusted.
func (p *Primary) ProcessBatchProposeFromPeer(ctx context.Context, peerID string, round uint64, header core.BatchHeader) error {
	peerAddr, ok := p.gateway.ResolvePeerAddress(peerID)
	if !ok {
		return fmt.Errorf("process batch propose: unresolved peer %s", peerID)
	}
	if round != header.Round || header.Author != peerAddr {
		return fmt.Errorf("%w: round/author mismatch from %s", core.ErrInvalidRound, peerAddr)
	}

	committee, err := p.ledger.CommitteeLookbackForRound(header.Round)
	if err != nil {
		return fmt.Errorf("process batch propose: committee lookback: %w", err)
	}
	if !committee.IsMember(header.Author) {
		return fmt.Errorf("process batch propose: %w: %s", core.ErrNotCommitteeMember, header.Author)
	}
	if header.CommitteeID != committee.ID() {
		return fmt.Errorf("process batch propose: committee id mismatch from %s", peerAddr)
	}

	batchID := header.BatchID()

	p.signedMu.Lock()
	if prior, ok := p.signed[header.Author]; ok && prior.Round == header.Round {
		if prior.BatchID == batchID {
			sig := prior.Signature
			p.signedMu.Unlock()
			p.gateway.SendBatchSignature(peerID, batchID, sig)
			return nil
		}
		p.signedMu.Unlock()
		return fmt.Errorf("%w: author %s round %d", core.ErrEquivocation, header.Author, header.Round)
	}
	p.signedMu.Unlock()

	if err := p.checkProposalTimestamp(header); err != nil {
		return err
	}

	if err := p.fetchMissingPreviousCertificates(ctx, peerID, header); err != nil {
		return fmt.Errorf("process batch propose: %w", err)
	}
	payload, err := p.fetchMissingTransmissions(ctx, peerID, header.TransmissionIDs)
	if err != nil {
		return fmt.Errorf("process batch propose: %w", err)
	}

	missing, err := p.storage.CheckBatchHeader(&header, payload, nil, committee)
	if err != nil {
		return fmt.Errorf("process batch propose: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("process batch propose: %d transmissions still missing after fetch", len(missing))
	}

	if err := p.ensureIsSigningRound(header.Round); err != nil {
		return err
	}

	sig, err := p.sign(batchID)
	if err != nil {
		return fmt.Errorf("process batch propose: %w", err)
	}

	p.signedMu.Lock()
	p.signed[header.Author] = signedProposal{Round: header.Round, BatchID: batchID, Signature: sig}
	p.signedMu.Unlock()

	p.gateway.SendBatchSignature(peerID, batchID, sig)
	return nil
}

// checkProposalTimestamp enforces MinBatchDelay between the author's
// previous certificate at round-1 and this proposal — supplemented from the
// original implementation's check_proposal_timestamp.
func (p *Primary) checkProposalTimestamp(header core.BatchHeader) error {
	if header.Round < 2 {
		return nil
	}
	prev, ok := p.storage.GetCertificateForAuthorRound(header.Round-1, header.Author)
	if !ok {
		return nil
	}
	if time.Unix(header.Timestamp, 0).Sub(time.Unix(prev.Header.Timestamp, 0)) < core.MinBatchDelay {
		return fmt.Errorf("process batch propose: timestamp too soon after previous certificate from %s", header.Author)
	}
	return nil
}

// ensureIsSigningRound enforces that header.Round falls within the window
// this Primary is willing to sign for: no older than current_round-1, no
// further ahead than current_round+max_gc_rounds, and not behind a round we
// have already started proposing at ourselves.
func (p *Primary) ensureIsSigningRound(round uint64) error {
	current := p.storage.CurrentRound()
	if current >= 1 && round+1 < current {
		return fmt.Errorf("%w: round %d is behind current round %d", core.ErrInvalidRound, round, current)
	}
	if round >= current+p.storage.MaxGCRounds() {
		return fmt.Errorf("%w: round %d is too far ahead of current round %d", core.ErrInvalidRound, round, current)
	}
	if p.latestProposedRound > round {
		return fmt.Errorf("%w: already proposing at round %d", core.ErrInvalidRound, p.latestProposedRound)
	}
	return nil
}

// ProcessBatchSignatureFromPeer implements spec §4.4's signature aggregator.
func (p *Primary) ProcessBatchSignatureFromPeer(peerID, batchID, signature string) error {
	p.checkProposalExpiration()

	peerAddr, ok := p.gateway.ResolvePeerAddress(peerID)
	if !ok {
		return fmt.Errorf("process batch signature: unresolved peer %s", peerID)
	}
	if peerAddr == p.self {
		return fmt.Errorf("process batch signature: signature from self")
	}

	p.batchMu.Lock()
	if p.batch == nil {
		p.batchMu.Unlock()
		return nil
	}
	if p.batch.proposal.BatchID() != batchID {
		p.batchMu.Unlock()
		if p.storage.ContainsCertificate(batchID) {
			return nil
		}
		return fmt.Errorf("process batch signature: batch id mismatch from %s", peerAddr)
	}

	committee, err := p.ledger.CommitteeLookbackForRound(p.batch.proposal.Header.Round)
	if err != nil {
		p.batchMu.Unlock()
		return fmt.Errorf("process batch signature: committee lookback: %w", err)
	}
	if err := p.batch.proposal.AddSignature(peerAddr, signature, committee); err != nil {
		p.batchMu.Unlock()
		return fmt.Errorf("process batch signature: %w", err)
	}

	if !p.batch.proposal.IsQuorumThresholdReached(committee) {
		p.batchMu.Unlock()
		return nil
	}

	proposal := p.batch.proposal
	p.batch = nil
	p.batchMu.Unlock()

	cert, err := proposal.ToCertificate(committee)
	if err != nil {
		return fmt.Errorf("process batch signature: %w", err)
	}
	if err := p.storage.InsertCertificate(cert, proposal.Transmissions, nil); err != nil {
		return fmt.Errorf("process batch signature: %w", err)
	}
	if err := p.bft.SendPrimaryCertificateToBFT(cert); err != nil {
		return fmt.Errorf("process batch signature: %w", err)
	}

	p.emit(events.EventCertificateFormed, cert.Round(), map[string]any{"certificate_id": cert.ID()})
	p.gateway.BroadcastBatchCertified(*cert)
	return p.TryIncrementToNextRound(cert.Round() + 1)
}

// ProcessBatchCertificateFromPeer implements spec §4.4's certificate
// handler.
func (p *Primary) ProcessBatchCertificateFromPeer(ctx context.Context, peerID string, cert *core.BatchCertificate) error {
	if cert.Author() == p.self {
		return nil
	}
	if p.storage.ContainsCertificate(cert.ID()) {
		return nil
	}

	if err := p.syncWithCertificateFromPeer(ctx, peerID, cert, false); err != nil {
		return fmt.Errorf("process batch certificate: %w", err)
	}

	committee, err := p.ledger.CommitteeLookbackForRound(cert.Round())
	if err != nil {
		return fmt.Errorf("process batch certificate: committee lookback: %w", err)
	}
	if cert.ReachesQuorum(committee) && p.storage.CurrentRound() < cert.Round() {
		return p.TryIncrementToNextRound(cert.Round() + 1)
	}
	return nil
}
