package primary

import (
	"context"

	"github.com/tolelom/dagbft/core"
)

// Gateway is everything the Primary needs from the transport layer. The
// concrete implementation lives in package gateway; defining the interface
// here (rather than importing gateway) keeps primary free of any network
// dependency and testable with an in-memory fake.
type Gateway interface {
	BroadcastBatchPropose(header core.BatchHeader)
	SendBatchProposeTo(peer string, header core.BatchHeader)
	SendBatchSignature(peer string, batchID string, signature string)
	BroadcastBatchCertified(cert core.BatchCertificate)

	// RequestCertificate asks peer for a certificate by id.
	RequestCertificate(ctx context.Context, peer string, id string) (*core.BatchCertificate, error)

	// ConnectedValidators returns the committee addresses of currently
	// connected, resolved peers.
	ConnectedValidators() []string

	// ResolvePeerAddress maps a transport-level peer identifier to the
	// validator address it authenticated as, if known.
	ResolvePeerAddress(peerID string) (string, bool)
}

// BFTLink is the bounded-channel-shaped handoff between Primary and the BFT
// engine described in spec §6 ("BFT ↔ Primary channel"). Modeled as a plain
// interface rather than literal channels so either side can be driven
// synchronously in tests.
type BFTLink interface {
	// SendPrimaryRoundToBFT reports a completed round to the BFT engine and
	// returns whether the engine is ready for the Primary to propose at the
	// next round.
	SendPrimaryRoundToBFT(round uint64) bool

	// SendPrimaryCertificateToBFT hands a freshly-stored certificate to the
	// BFT engine for DAG insertion and commit evaluation.
	SendPrimaryCertificateToBFT(cert *core.BatchCertificate) error
}

// noopBFTLink drives the Primary standalone (no BFT engine attached): every
// round is immediately ready and certificates are accepted without
// triggering any commit logic. Used by single-process deployments that only
// want the Primary's gossip/certification behavior.
type noopBFTLink struct{}

func (noopBFTLink) SendPrimaryRoundToBFT(uint64) bool                       { return true }
func (noopBFTLink) SendPrimaryCertificateToBFT(*core.BatchCertificate) error { return nil }
