// Package storage implements the in-memory, round-indexed certificate and
// transmission store shared by the Primary and BFT engine. It is read-mostly
// state protected by a reader-writer lock, grounded on the same pattern the
// teacher repo uses for its StateDB write buffer and Blockchain tip tracking
// — no on-disk engine lives here, per the core's Non-goals; persistence of
// the Primary's proposal cache is a separate concern (see package persist).
package storage

import (
	"fmt"
	"sync"

	"github.com/tolelom/dagbft/core"
)

// roundEntry keeps certificates for one round indexed by author, plus the
// order in which they were inserted.
type roundEntry struct {
	byAuthor map[string]*core.BatchCertificate
	order    []string // author addresses, insertion order
}

// Storage indexes every known certificate (committed or not) by round and
// by id, and tracks the transmissions referenced by inserted certificates.
type Storage struct {
	mu sync.RWMutex

	maxGCRounds uint64

	byRound map[uint64]*roundEntry
	byID    map[string]*core.BatchCertificate

	transmissions map[core.TransmissionID]core.Transmission

	currentRound uint64
}

// New creates an empty Storage. maxGCRounds bounds how far behind
// current_round certificates are retained.
func New(maxGCRounds uint64) *Storage {
	return &Storage{
		maxGCRounds:   maxGCRounds,
		byRound:       make(map[uint64]*roundEntry),
		byID:          make(map[string]*core.BatchCertificate),
		transmissions: make(map[core.TransmissionID]core.Transmission),
		currentRound:  1,
	}
}

// MaxGCRounds returns the configured retention window.
func (s *Storage) MaxGCRounds() uint64 { return s.maxGCRounds }

// CurrentRound returns the storage's monotonically non-decreasing round.
func (s *Storage) CurrentRound() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRound
}

// GCRound returns max(0, current_round - max_gc_rounds).
func (s *Storage) GCRound() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gcRoundLocked()
}

func (s *Storage) gcRoundLocked() uint64 {
	if s.currentRound <= s.maxGCRounds {
		return 0
	}
	return s.currentRound - s.maxGCRounds
}

// ContainsCertificate reports whether id is already indexed.
func (s *Storage) ContainsCertificate(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// GetCertificate returns a certificate by id.
func (s *Storage) GetCertificate(id string) (*core.BatchCertificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

// GetCertificateForAuthorRound returns the certificate authored by addr at
// round, if any.
func (s *Storage) GetCertificateForAuthorRound(round uint64, addr string) (*core.BatchCertificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	re, ok := s.byRound[round]
	if !ok {
		return nil, false
	}
	c, ok := re.byAuthor[addr]
	return c, ok
}

// GetCertificatesForRound returns every certificate at round, in the order
// they were first inserted.
func (s *Storage) GetCertificatesForRound(round uint64) []*core.BatchCertificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	re, ok := s.byRound[round]
	if !ok {
		return nil
	}
	out := make([]*core.BatchCertificate, 0, len(re.order))
	for _, author := range re.order {
		out = append(out, re.byAuthor[author])
	}
	return out
}

// AllCertificates returns every certificate currently retained, in no
// particular order — used by the proposal-cache sidecar to snapshot
// pending certificates across a restart.
func (s *Storage) AllCertificates() []*core.BatchCertificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.BatchCertificate, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	return out
}

// GetTransmission returns a stored transmission by id.
func (s *Storage) GetTransmission(id core.TransmissionID) (core.Transmission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transmissions[id]
	return t, ok
}

// InsertCertificate indexes cert by round and id, storing any transmissions
// supplied that are not already known. Every transmission id the
// certificate's header names must be present in transmissions, already in
// storage, or listed in aborted — otherwise the insert fails and nothing is
// mutated. A (round, author) collision is rejected with ErrAlreadyExists;
// the first insert for a given (round, author) wins.
func (s *Storage) InsertCertificate(
	cert *core.BatchCertificate,
	transmissions map[core.TransmissionID]core.Transmission,
	aborted map[core.TransmissionID]bool,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range cert.Header.TransmissionIDs {
		if _, ok := transmissions[id]; ok {
			continue
		}
		if _, ok := s.transmissions[id]; ok {
			continue
		}
		if aborted[id] {
			continue
		}
		return fmt.Errorf("insert certificate %s: missing transmission %s", cert.ID(), id.Key())
	}

	re, ok := s.byRound[cert.Round()]
	if !ok {
		re = &roundEntry{byAuthor: make(map[string]*core.BatchCertificate)}
		s.byRound[cert.Round()] = re
	}
	if _, exists := re.byAuthor[cert.Author()]; exists {
		return fmt.Errorf("insert certificate at round %d author %s: %w", cert.Round(), cert.Author(), core.ErrAlreadyExists)
	}

	for id, t := range transmissions {
		if _, ok := s.transmissions[id]; !ok {
			s.transmissions[id] = t
		}
	}

	re.byAuthor[cert.Author()] = cert
	re.order = append(re.order, cert.Author())
	s.byID[cert.ID()] = cert
	return nil
}

// CheckBatchHeader validates a peer-proposed header: the author must be a
// committee member, the header must satisfy the round invariant and carry
// at most core.MaxTransmissionsTolerance transmission ids, and (for round
// >= 2) every previous-round certificate id must exist at round-1 and their
// combined authors must reach quorum under committeeLookback. The header's
// timestamp is not checked here. It returns the subset
// of header.TransmissionIDs that were not present in the supplied
// transmissions map and are not already in storage — the caller must fetch
// those before the header can be accepted.
func (s *Storage) CheckBatchHeader(
	header *core.BatchHeader,
	transmissions map[core.TransmissionID]core.Transmission,
	aborted map[core.TransmissionID]bool,
	committeeLookback *core.Committee,
) ([]core.TransmissionID, error) {
	if !committeeLookback.IsMember(header.Author) {
		return nil, fmt.Errorf("check batch header: %w: %s", core.ErrNotCommitteeMember, header.Author)
	}
	if err := header.CheckRoundInvariant(); err != nil {
		return nil, err
	}
	if len(header.TransmissionIDs) > core.MaxTransmissionsTolerance {
		return nil, fmt.Errorf("check batch header: %d transmission ids exceed the limit of %d", len(header.TransmissionIDs), core.MaxTransmissionsTolerance)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if header.Round >= 2 {
		prevRound := header.Round - 1
		re, ok := s.byRound[prevRound]
		if !ok {
			return nil, fmt.Errorf("check batch header: %w: no certificates stored at round %d", core.ErrMissingPrevious, prevRound)
		}
		var stake uint64
		seen := make(map[string]bool, len(header.PreviousCertificateIDs))
		for _, id := range header.PreviousCertificateIDs {
			cert, ok := s.byID[id]
			if !ok || cert.Round() != prevRound {
				return nil, fmt.Errorf("check batch header: %w: %s", core.ErrMissingPrevious, id)
			}
			if seen[cert.Author()] {
				continue
			}
			seen[cert.Author()] = true
			stake += committeeLookback.Stake(cert.Author())
		}
		_ = re
		if stake < committeeLookback.QuorumThreshold() {
			return nil, fmt.Errorf("check batch header: previous-round certificates do not reach quorum (%d < %d)", stake, committeeLookback.QuorumThreshold())
		}
	}

	var missing []core.TransmissionID
	for _, id := range header.TransmissionIDs {
		if _, ok := transmissions[id]; ok {
			continue
		}
		if _, ok := s.transmissions[id]; ok {
			continue
		}
		if aborted[id] {
			continue
		}
		missing = append(missing, id)
	}
	return missing, nil
}

// IncrementToNextRound advances current_round to from+1 iff current_round
// still equals from; otherwise it is a no-op. Returns the (possibly
// unchanged) current_round. Idempotent and monotonic.
func (s *Storage) IncrementToNextRound(from uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentRound == from {
		s.currentRound = from + 1
	}
	return s.currentRound
}

// GarbageCollectCertificates sets gc_round = latestCommittedRound -
// max_gc_rounds and evicts certificates and transmissions strictly below it.
func (s *Storage) GarbageCollectCertificates(latestCommittedRound uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gcRound uint64
	if latestCommittedRound > s.maxGCRounds {
		gcRound = latestCommittedRound - s.maxGCRounds
	}

	keep := make(map[core.TransmissionID]bool)
	for round, re := range s.byRound {
		if round >= gcRound {
			for _, cert := range re.byAuthor {
				for _, id := range cert.Header.TransmissionIDs {
					keep[id] = true
				}
			}
			continue
		}
		for _, cert := range re.byAuthor {
			delete(s.byID, cert.ID())
		}
		delete(s.byRound, round)
	}
	for id := range s.transmissions {
		if !keep[id] {
			delete(s.transmissions, id)
		}
	}
}
