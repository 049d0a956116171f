// Package ledger declares the interface the consensus core requires from
// the downstream ledger/execution layer. The core never implements ledger
// semantics itself — validity rules, committee membership changes, and
// persisted chain state all live outside this module; see
// internal/testutil for an in-memory reference implementation used by the
// core's own tests and by standalone (non-production) deployments.
package ledger

import "github.com/tolelom/dagbft/core"

// Service is everything the Primary and BFT engine need from the ledger.
type Service interface {
	// CommitteeLookbackForRound returns the committee snapshot that must be
	// used to evaluate thresholds for round, lagging the live committee by
	// a fixed number of rounds for safety across membership changes.
	CommitteeLookbackForRound(round uint64) (*core.Committee, error)

	// LatestLeader returns the last leader the ledger recorded committing,
	// as a memoization hint only — never ground truth for election.
	LatestLeader() (round uint64, address string, ok bool)
	UpdateLatestLeader(round uint64, address string)

	ContainsCertificate(id string) bool
	ContainsTransmission(id core.TransmissionID) bool

	CheckSolutionBasic(id core.TransmissionID, data []byte) error
	CheckTransactionBasic(id core.TransmissionID, data []byte) error
	EnsureTransmissionIsWellFormed(id core.TransmissionID, data []byte) error
}
