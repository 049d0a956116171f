package core

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tolelom/dagbft/crypto"
)

// BatchHeader is the author-signed proposal for a round: a set of
// transmission ids the author claims to have, the certificate ids it builds
// on from the previous round, and the author's signature over the batch id.
//
// Invariant: PreviousCertificateIDs is empty iff Round <= 1; for Round >= 2
// every id must name a certificate at Round-1 (enforced by Storage, not
// here — BatchHeader itself is a dumb, hashable value type).
type BatchHeader struct {
	Author                  string           `json:"author"` // validator address (pubkey hex)
	Round                   uint64           `json:"round"`
	Timestamp               int64            `json:"timestamp"` // unix seconds
	CommitteeID             string           `json:"committee_id"`
	TransmissionIDs         []TransmissionID `json:"transmission_ids"` // unique set
	PreviousCertificateIDs  []string         `json:"previous_certificate_ids"` // unique set
	Signature               string           `json:"signature"`                // author's signature over BatchID()
}

// BatchID returns the deterministic hash over every header field except the
// author's own signature.
func (h *BatchHeader) BatchID() string {
	body := struct {
		Author      string           `json:"author"`
		Round       uint64           `json:"round"`
		Timestamp   int64            `json:"timestamp"`
		CommitteeID string           `json:"committee_id"`
		Transmit    []TransmissionID `json:"transmission_ids"`
		Previous    []string         `json:"previous_certificate_ids"`
	}{h.Author, h.Round, h.Timestamp, h.CommitteeID, sortedTransmissionIDs(h.TransmissionIDs), sortedStrings(h.PreviousCertificateIDs)}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign sets Signature to the author's signature over BatchID().
func (h *BatchHeader) Sign(priv crypto.PrivateKey) {
	h.Signature = crypto.Sign(priv, []byte(h.BatchID()))
}

// VerifyAuthorSignature checks the header's own signature against its
// claimed author.
func (h *BatchHeader) VerifyAuthorSignature() error {
	pub, err := crypto.PubKeyFromHex(h.Author)
	if err != nil {
		return fmt.Errorf("batch header author: %w", err)
	}
	return crypto.Verify(pub, []byte(h.BatchID()), h.Signature)
}

// CheckRoundInvariant enforces: PreviousCertificateIDs empty iff Round <= 1.
func (h *BatchHeader) CheckRoundInvariant() error {
	if h.Round <= 1 {
		if len(h.PreviousCertificateIDs) != 0 {
			return fmt.Errorf("round %d must have no previous certificate ids", h.Round)
		}
		return nil
	}
	if len(h.PreviousCertificateIDs) == 0 {
		return fmt.Errorf("round %d must reference previous-round certificates", h.Round)
	}
	return nil
}

// BatchCertificate is a BatchHeader plus the set of signatures (by signer
// address) over its batch id that reached quorum stake in the round's
// committee lookback. Immutable once formed.
type BatchCertificate struct {
	Header     BatchHeader       `json:"header"`
	Signatures map[string]string `json:"signatures"` // signer address -> signature over BatchID()
}

// ID returns the deterministic hash over the header and its sorted
// signer->signature pairs. Certificate id is distinct from batch id: batch
// id identifies a proposal, certificate id identifies a quorum-signed one.
func (c *BatchCertificate) ID() string {
	signers := make([]string, 0, len(c.Signatures))
	for s := range c.Signatures {
		signers = append(signers, s)
	}
	sort.Strings(signers)
	pairs := make([][2]string, 0, len(signers))
	for _, s := range signers {
		pairs = append(pairs, [2]string{s, c.Signatures[s]})
	}
	body := struct {
		Header     BatchHeader `json:"header"`
		Signatures [][2]string `json:"signatures"`
	}{c.Header, pairs}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Round returns the header's round, a convenience accessor used pervasively
// by DAG/Storage/BFT code that only cares about round-keying certificates.
func (c *BatchCertificate) Round() uint64 { return c.Header.Round }

// Author returns the header's author address.
func (c *BatchCertificate) Author() string { return c.Header.Author }

// SignerStake sums the stake of every signer (including the implicit
// author signature) under committee.
func (c *BatchCertificate) SignerStake(committee *Committee) uint64 {
	var total uint64
	seen := make(map[string]bool, len(c.Signatures)+1)
	seen[c.Header.Author] = true
	total += committee.Stake(c.Header.Author)
	for signer := range c.Signatures {
		if seen[signer] {
			continue
		}
		seen[signer] = true
		total += committee.Stake(signer)
	}
	return total
}

// ReachesQuorum reports whether the certificate's combined signer stake
// meets committee's quorum threshold.
func (c *BatchCertificate) ReachesQuorum(committee *Committee) bool {
	return c.SignerStake(committee) >= committee.QuorumThreshold()
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedTransmissionIDs(in []TransmissionID) []TransmissionID {
	out := append([]TransmissionID(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
