package core

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/tolelom/dagbft/crypto"
)

// Proposal is the Primary's mutable aggregator for a locally-built batch
// header: it starts with the author's own implicit signature and collects
// peer signatures until quorum stake is reached, at which point it is
// promoted into a BatchCertificate and discarded.
//
// signed tracks which committee member-indices (per Committee.MemberIndex)
// have contributed a signature, using a fixed-size bitset rather than a
// second map — the committee for a round is closed and small, so a bitset
// membership test is both cheaper and makes nonsigners() a single scan.
type Proposal struct {
	CommitteeLookback *Committee
	Header            BatchHeader
	Transmissions     map[TransmissionID]Transmission // ordered by InsertionOrder
	InsertionOrder     []TransmissionID
	Signatures        map[string]string // signer address (excluding author) -> signature
	signed            *bitset.BitSet
}

// NewProposal creates an aggregator for an already-signed header built by
// this validator, including its own transmissions. committeeLookback is the
// committee snapshot this batch's round must be judged against.
func NewProposal(committeeLookback *Committee, header BatchHeader, transmissions map[TransmissionID]Transmission, order []TransmissionID) *Proposal {
	p := &Proposal{
		CommitteeLookback: committeeLookback,
		Header:            header,
		Transmissions:     transmissions,
		InsertionOrder:    order,
		Signatures:        make(map[string]string),
		signed:            bitset.New(uint(len(committeeLookback.Members))),
	}
	if idx := committeeLookback.MemberIndex(header.Author); idx >= 0 {
		p.signed.Set(uint(idx))
	}
	return p
}

// AddSignature validates sig against the proposal's batch id under
// committee and records it. Non-members are rejected; a repeated signature
// from the same signer replaces the earlier one and is counted once.
func (p *Proposal) AddSignature(signer string, sig string, committee *Committee) error {
	idx := committee.MemberIndex(signer)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotCommitteeMember, signer)
	}
	pub, err := crypto.PubKeyFromHex(signer)
	if err != nil {
		return fmt.Errorf("signer address: %w", err)
	}
	if err := crypto.Verify(pub, []byte(p.Header.BatchID()), sig); err != nil {
		return fmt.Errorf("signature verify: %w", err)
	}
	p.Signatures[signer] = sig
	p.signed.Set(uint(idx))
	return nil
}

// IsQuorumThresholdReached sums the stake of every signer (including the
// author) and compares against committee's quorum threshold.
func (p *Proposal) IsQuorumThresholdReached(committee *Committee) bool {
	total := committee.Stake(p.Header.Author)
	for signer := range p.Signatures {
		if signer == p.Header.Author {
			continue
		}
		total += committee.Stake(signer)
	}
	return total >= committee.QuorumThreshold()
}

// ToCertificate produces a BatchCertificate from the collected signatures.
// Fails if quorum has not been reached.
func (p *Proposal) ToCertificate(committee *Committee) (*BatchCertificate, error) {
	if !p.IsQuorumThresholdReached(committee) {
		return nil, ErrQuorumNotReached
	}
	sigs := make(map[string]string, len(p.Signatures))
	for k, v := range p.Signatures {
		sigs[k] = v
	}
	return &BatchCertificate{Header: p.Header, Signatures: sigs}, nil
}

// Nonsigners returns committee addresses that have not yet contributed a
// signature (including the author slot, which is always pre-marked), used
// by the Primary to target rebroadcasts.
func (p *Proposal) Nonsigners(committee *Committee) []string {
	var out []string
	for _, addr := range committee.orderedMembers() {
		idx := committee.MemberIndex(addr)
		if idx < 0 || !p.signed.Test(uint(idx)) {
			out = append(out, addr)
		}
	}
	return out
}

// BatchID is a convenience passthrough to the underlying header.
func (p *Proposal) BatchID() string { return p.Header.BatchID() }
