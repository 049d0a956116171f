// Package testutil provides in-memory reference implementations of core
// collaborator interfaces for use in tests and standalone deployments.
// Never import this in a production wiring path. Grounded on the teacher
// repo's internal/testutil in-memory storage: thread-safe maps guarded by a
// single RWMutex, no persistence.
package testutil

import (
	"fmt"
	"sync"

	"github.com/tolelom/dagbft/core"
)

// MemLedger is an in-memory ledger.Service: committee membership is fixed
// for the lifetime of the instance (set at construction), and
// solution/transaction validity checks always succeed unless the caller
// pre-loads a rejection with RejectTransmission.
type MemLedger struct {
	mu sync.RWMutex

	committee *core.Committee
	lookback  uint64 // rounds the live committee lags behind for threshold evaluation

	certificates  map[string]bool
	transmissions map[core.TransmissionID]bool
	rejected      map[core.TransmissionID]error

	latestLeaderRound uint64
	latestLeaderAddr  string
	hasLeader         bool
}

// NewMemLedger creates a MemLedger with a single fixed committee, applied
// at every round's lookback.
func NewMemLedger(committee *core.Committee, lookbackRounds uint64) *MemLedger {
	return &MemLedger{
		committee:     committee,
		lookback:      lookbackRounds,
		certificates:  make(map[string]bool),
		transmissions: make(map[core.TransmissionID]bool),
		rejected:      make(map[core.TransmissionID]error),
	}
}

// CommitteeLookbackForRound implements ledger.Service. MemLedger uses one
// fixed committee regardless of round; a lookback-aware implementation
// would instead index committees by round and subtract l.lookback here.
func (l *MemLedger) CommitteeLookbackForRound(round uint64) (*core.Committee, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.committee == nil {
		return nil, fmt.Errorf("testutil: no committee configured")
	}
	return l.committee, nil
}

// LatestLeader implements ledger.Service.
func (l *MemLedger) LatestLeader() (uint64, string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latestLeaderRound, l.latestLeaderAddr, l.hasLeader
}

// UpdateLatestLeader implements ledger.Service.
func (l *MemLedger) UpdateLatestLeader(round uint64, address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if round < l.latestLeaderRound {
		return
	}
	l.latestLeaderRound = round
	l.latestLeaderAddr = address
	l.hasLeader = true
}

// ContainsCertificate implements ledger.Service.
func (l *MemLedger) ContainsCertificate(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.certificates[id]
}

// MarkCertificateSettled records id as having reached the ledger, used by
// tests simulating a downstream consensus callback.
func (l *MemLedger) MarkCertificateSettled(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.certificates[id] = true
}

// ContainsTransmission implements ledger.Service.
func (l *MemLedger) ContainsTransmission(id core.TransmissionID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transmissions[id]
}

// MarkTransmissionSettled records id as having reached the ledger.
func (l *MemLedger) MarkTransmissionSettled(id core.TransmissionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transmissions[id] = true
}

// RejectTransmission makes CheckSolutionBasic/CheckTransactionBasic fail for
// id with err, for tests exercising the invalid-transmission path.
func (l *MemLedger) RejectTransmission(id core.TransmissionID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected[id] = err
}

// CheckSolutionBasic implements ledger.Service.
func (l *MemLedger) CheckSolutionBasic(id core.TransmissionID, data []byte) error {
	return l.checkBasic(id)
}

// CheckTransactionBasic implements ledger.Service.
func (l *MemLedger) CheckTransactionBasic(id core.TransmissionID, data []byte) error {
	return l.checkBasic(id)
}

// EnsureTransmissionIsWellFormed implements ledger.Service.
func (l *MemLedger) EnsureTransmissionIsWellFormed(id core.TransmissionID, data []byte) error {
	return l.checkBasic(id)
}

func (l *MemLedger) checkBasic(id core.TransmissionID) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err, ok := l.rejected[id]; ok {
		return err
	}
	return nil
}
