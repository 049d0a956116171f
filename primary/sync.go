package primary

import (
	"context"
	"errors"
	"fmt"

	"github.com/tolelom/dagbft/core"
)

// syncWithCertificateFromPeer implements spec §4.4.5: recursively resolve
// cert's previous-round certificates and referenced transmissions before
// inserting it into storage. Recursion depth is bounded because every step
// decreases the round and is truncated at gc_round.
func (p *Primary) syncWithCertificateFromPeer(ctx context.Context, peerID string, cert *core.BatchCertificate, isSyncing bool) error {
	if cert.Round() <= p.storage.GCRound() {
		return nil
	}
	if p.storage.ContainsCertificate(cert.ID()) {
		return nil
	}

	if err := p.fetchMissingPreviousCertificates(ctx, peerID, cert.Header); err != nil {
		return err
	}

	payload, err := p.fetchMissingTransmissions(ctx, peerID, cert.Header.TransmissionIDs)
	if err != nil {
		return err
	}

	if err := p.storage.InsertCertificate(cert, payload, nil); err != nil {
		// A concurrent insert (e.g. via the signature aggregator path)
		// racing this sync is expected and not an error.
		if errors.Is(err, core.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("sync with certificate: %w", err)
	}

	if err := p.bft.SendPrimaryCertificateToBFT(cert); err != nil {
		return fmt.Errorf("sync with certificate: %w", err)
	}
	return nil
}

// fetchMissingPreviousCertificates resolves header's previous-round
// certificates, bounded by max_gc_rounds, fetching each unknown id from
// peerID and recursively syncing it.
func (p *Primary) fetchMissingPreviousCertificates(ctx context.Context, peerID string, header core.BatchHeader) error {
	if header.Round <= 1 {
		return nil
	}
	return p.fetchMissingCertificates(ctx, peerID, header.PreviousCertificateIDs)
}

// fetchMissingCertificates fetches and recursively syncs every id in ids
// not already present in storage.
func (p *Primary) fetchMissingCertificates(ctx context.Context, peerID string, ids []string) error {
	for _, id := range ids {
		if p.storage.ContainsCertificate(id) {
			continue
		}
		cert, err := p.gateway.RequestCertificate(ctx, peerID, id)
		if err != nil {
			return fmt.Errorf("fetch missing certificate %s: %w", id, err)
		}
		if cert.Round() <= p.storage.GCRound() {
			continue
		}
		if err := p.syncWithCertificateFromPeer(ctx, peerID, cert, true); err != nil {
			return err
		}
	}
	return nil
}

// fetchMissingTransmissions resolves every id in ids, consulting storage
// first and falling back to the owning worker's GetOrFetchTransmission.
// Returns the subset that had to be freshly fetched (the rest are already
// in storage and need not be re-supplied to InsertCertificate).
func (p *Primary) fetchMissingTransmissions(ctx context.Context, peerID string, ids []core.TransmissionID) (map[core.TransmissionID]core.Transmission, error) {
	out := make(map[core.TransmissionID]core.Transmission)
	for _, id := range ids {
		if _, ok := p.storage.GetTransmission(id); ok {
			continue
		}
		t, err := p.workerFor(id).GetOrFetchTransmission(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch missing transmission %s: %w", id.Key(), err)
		}
		out[id] = t
	}
	return out, nil
}
