// Package dag holds the BFT engine's own view of the certificate graph: the
// round-indexed certificates reachable from potential leaders, the last
// committed round, and a bounded set of certificate ids the engine has
// already committed (so a replayed or rediscovered certificate is never
// committed twice). It is distinct from package storage, which is the
// Primary's broader index of every certificate and transmission it has
// seen — the DAG only tracks what the commit engine itself needs.
package dag

import (
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tolelom/dagbft/core"
)

type roundEntry struct {
	byAuthor map[string]*core.BatchCertificate
	order    []string
}

// DAG is the BFT engine's certificate graph.
type DAG struct {
	mu sync.RWMutex

	maxGCRounds uint64

	rounds map[uint64]*roundEntry

	lastCommittedRound uint64
	recentlyCommitted  *lru.Cache[string, struct{}]
}

// New creates an empty DAG. recentCap bounds the recently-committed
// certificate-id set retained for replay protection.
func New(maxGCRounds uint64, recentCap int) (*DAG, error) {
	cache, err := lru.New[string, struct{}](recentCap)
	if err != nil {
		return nil, fmt.Errorf("dag: recently-committed cache: %w", err)
	}
	return &DAG{
		maxGCRounds:       maxGCRounds,
		rounds:            make(map[uint64]*roundEntry),
		recentlyCommitted: cache,
	}, nil
}

// Insert adds cert to the graph. Rejects a second certificate for the same
// (round, author) — the DAG only ever holds one certificate per author per
// round, matching the one-certificate-per-author invariant the committee
// signature threshold already enforces upstream.
func (d *DAG) Insert(cert *core.BatchCertificate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	re, ok := d.rounds[cert.Round()]
	if !ok {
		re = &roundEntry{byAuthor: make(map[string]*core.BatchCertificate)}
		d.rounds[cert.Round()] = re
	}
	if _, exists := re.byAuthor[cert.Author()]; exists {
		return fmt.Errorf("dag insert round %d author %s: %w", cert.Round(), cert.Author(), core.ErrAlreadyExists)
	}
	re.byAuthor[cert.Author()] = cert
	re.order = append(re.order, cert.Author())
	return nil
}

// Get returns the certificate authored by addr at round, if present.
func (d *DAG) Get(round uint64, addr string) (*core.BatchCertificate, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	re, ok := d.rounds[round]
	if !ok {
		return nil, false
	}
	c, ok := re.byAuthor[addr]
	return c, ok
}

// CertificatesForRound returns every certificate at round in insertion
// order. DFS ordering at commit time does not read it: the BFT engine
// resolves each certificate by id through AuthorsAtRound and Get, falling
// back to Storage when the DAG does not hold it.
func (d *DAG) CertificatesForRound(round uint64) []*core.BatchCertificate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	re, ok := d.rounds[round]
	if !ok {
		return nil
	}
	out := make([]*core.BatchCertificate, 0, len(re.order))
	for _, author := range re.order {
		out = append(out, re.byAuthor[author])
	}
	return out
}

// AuthorsAtRound returns the sorted set of authors with a certificate at
// round — used by the BFT engine to look a certificate up by id without
// copying the round's certificates.
func (d *DAG) AuthorsAtRound(round uint64) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	re, ok := d.rounds[round]
	if !ok {
		return nil
	}
	out := append([]string(nil), re.order...)
	sort.Strings(out)
	return out
}

// LastCommittedRound returns the highest round the engine has committed a
// leader certificate for.
func (d *DAG) LastCommittedRound() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastCommittedRound
}

// SetLastCommittedRound advances the commit watermark. No-op if round is
// not greater than the current watermark.
func (d *DAG) SetLastCommittedRound(round uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if round > d.lastCommittedRound {
		d.lastCommittedRound = round
	}
}

// IsRecentlyCommitted reports whether id has already been committed and is
// still within the bounded replay-protection window.
func (d *DAG) IsRecentlyCommitted(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.recentlyCommitted.Get(id)
	return ok
}

// MarkCommitted records id as committed.
func (d *DAG) MarkCommitted(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recentlyCommitted.Add(id, struct{}{})
}

// GarbageCollect drops every round strictly below latestCommittedRound -
// max_gc_rounds. Mirrors storage.Storage.GarbageCollectCertificates so the
// Primary's and the BFT engine's retention windows stay in lockstep.
func (d *DAG) GarbageCollect(latestCommittedRound uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var gcRound uint64
	if latestCommittedRound > d.maxGCRounds {
		gcRound = latestCommittedRound - d.maxGCRounds
	}
	for round := range d.rounds {
		if round < gcRound {
			delete(d.rounds, round)
		}
	}
}
