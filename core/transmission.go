package core

import (
	"encoding/binary"
	"fmt"

	"github.com/tolelom/dagbft/crypto"
)

// TransmissionKind tags the payload a TransmissionID refers to.
type TransmissionKind uint8

const (
	TransmissionSolution TransmissionKind = iota
	TransmissionTransaction
	TransmissionRatification
)

func (k TransmissionKind) String() string {
	switch k {
	case TransmissionSolution:
		return "solution"
	case TransmissionTransaction:
		return "transaction"
	case TransmissionRatification:
		return "ratification"
	default:
		return "unknown"
	}
}

// TransmissionID is the tagged-union identifier of a gossiped payload: a
// prover solution, a user transaction, or a ratification marker. ID and
// Checksum together uniquely identify the payload's content; Ratification
// carries neither.
type TransmissionID struct {
	Kind     TransmissionKind `json:"kind"`
	ID       string           `json:"id,omitempty"`
	Checksum string           `json:"checksum,omitempty"`
}

// Key returns a canonical string suitable for use as a map key.
func (t TransmissionID) Key() string {
	return fmt.Sprintf("%d:%s:%s", t.Kind, t.ID, t.Checksum)
}

// ShardOf returns the worker shard this transmission belongs to. Every
// validator must compute the same shard for the same id so batches drain
// the worker a peer expects to be asked about.
func (t TransmissionID) ShardOf(numWorkers uint32) uint32 {
	if numWorkers == 0 {
		return 0
	}
	return uint32(hash64(t.Key())) % numWorkers
}

// Transmission is the opaque payload matching a TransmissionID's variant.
// The core never interprets Data; validity rules live in the ledger
// service collaborator.
type Transmission struct {
	ID   TransmissionID `json:"id"`
	Data []byte         `json:"data"`
}

// VerifyChecksum recomputes the checksum of Data and compares it against
// ID.Checksum. Ratification transmissions carry no checksum and always pass.
func (t Transmission) VerifyChecksum() error {
	if t.ID.Kind == TransmissionRatification {
		return nil
	}
	if crypto.Hash(t.Data) != t.ID.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// hash64 is the single place the core depends on a non-cryptographic hash;
// it is intentionally distinct from crypto.Hash (SHA-256) since sharding
// needs speed, not collision resistance against adversaries — any peer that
// disagrees on the shard of a given id merely fails to find a local copy and
// falls back to fetching it, it cannot forge consensus state.
func hash64(s string) uint64 {
	return xxhashSum64([]byte(s))
}

// encodeLenPrefixed appends a 4-byte big-endian length prefix followed by b.
// Nothing in core calls it; core's hashes are computed over JSON encodings.
func encodeLenPrefixed(buf []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, b...)
	return buf
}
