package bft

import (
	"context"
	"errors"
	"fmt"

	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/events"
)

// UpdateDAG inserts cert into the engine's own certificate graph and, when
// allowLedgerAccess is set, attempts to commit the current leader
// certificate once enough of its succeeding round has linked to it.
// isSyncing is threaded through to the commit callback so historical replay
// during bootup can be bookkept without being redelivered downstream.
func (e *Engine) UpdateDAG(ctx context.Context, cert *core.BatchCertificate, allowLedgerAccess, isSyncing bool) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.dag.IsRecentlyCommitted(cert.ID()) {
		return nil
	}
	if err := e.dag.Insert(cert); err != nil {
		if !errors.Is(err, core.ErrAlreadyExists) {
			return fmt.Errorf("bft: insert into dag: %w", err)
		}
	}

	if !allowLedgerAccess || cert.Round() < 3 {
		return nil
	}

	commitRound := cert.Round() - 1
	if commitRound%2 != 0 || commitRound <= e.dag.LastCommittedRound() {
		return nil
	}

	committee, err := e.ledger.CommitteeLookbackForRound(commitRound)
	if err != nil {
		return fmt.Errorf("bft: committee lookback: %w", err)
	}
	leader := committee.Leader(commitRound)

	leaderCert, ok := e.dag.Get(commitRound, leader)
	if !ok {
		return nil
	}

	certs := e.storage.GetCertificatesForRound(cert.Round())
	stakeWith, _ := e.computeStakeForLeaderCertificate(leaderCert, certs, committee)
	if stakeWith < committee.AvailabilityThreshold() {
		return nil
	}

	return e.commitLeaderCertificateLocked(ctx, leaderCert, allowLedgerAccess, isSyncing)
}

// CommitLeaderCertificate commits leader and every earlier, still-uncommitted
// leader certificate linked to it, oldest first.
func (e *Engine) CommitLeaderCertificate(ctx context.Context, leader *core.BatchCertificate) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.commitLeaderCertificateLocked(ctx, leader, true, false)
}

func (e *Engine) commitLeaderCertificateLocked(ctx context.Context, leader *core.BatchCertificate, allowLedgerAccess, isSyncing bool) error {
	if e.dag.IsRecentlyCommitted(leader.ID()) {
		return nil
	}

	chain := e.collectUncommittedLeaderChain(leader)
	for _, l := range chain {
		if err := e.commitOneLeader(ctx, l, allowLedgerAccess, isSyncing); err != nil {
			return err
		}
	}
	return nil
}

// collectUncommittedLeaderChain walks backward two rounds at a time from
// leader through previously-elected, still-uncommitted leader certificates
// that are directly linked, so a catch-up commit delivers every skipped
// leader in round order rather than only the latest one.
func (e *Engine) collectUncommittedLeaderChain(leader *core.BatchCertificate) []*core.BatchCertificate {
	chain := []*core.BatchCertificate{leader}
	cur := leader
	for cur.Round() >= 4 {
		prevRound := cur.Round() - 2
		committee, err := e.ledger.CommitteeLookbackForRound(prevRound)
		if err != nil {
			break
		}
		prevLeaderAddr := committee.Leader(prevRound)
		prevCert, ok := e.dag.Get(prevRound, prevLeaderAddr)
		if !ok {
			break
		}
		if e.dag.IsRecentlyCommitted(prevCert.ID()) {
			break
		}
		if !e.isLinked(cur, prevCert.ID()) {
			break
		}
		chain = append(chain, prevCert)
		cur = prevCert
	}
	// reverse so the oldest leader commits first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// isLinked reports whether cert (directly or via one hop of its own
// previous-round references at cert.Round()-1) reaches targetID.
func (e *Engine) isLinked(cert *core.BatchCertificate, targetID string) bool {
	for _, id := range cert.Header.PreviousCertificateIDs {
		if id == targetID {
			return true
		}
		prev, err := e.findByID(cert.Round()-1, id)
		if err != nil {
			continue
		}
		for _, pid := range prev.Header.PreviousCertificateIDs {
			if pid == targetID {
				return true
			}
		}
	}
	return false
}

func (e *Engine) commitOneLeader(ctx context.Context, leader *core.BatchCertificate, allowLedgerAccess, isSyncing bool) error {
	subdag, err := e.orderDAGWithDFSLocked(leader, allowLedgerAccess)
	if err != nil {
		return fmt.Errorf("bft: order dag with dfs: %w", err)
	}

	for _, round := range subdag.Rounds() {
		for _, cert := range subdag.Certificates[round] {
			for _, id := range cert.Header.TransmissionIDs {
				if !isSyncing && id.Kind == core.TransmissionRatification {
					return fmt.Errorf("bft: %w: certificate %s", core.ErrRatificationAtCommit, cert.ID())
				}
			}
		}
	}

	transmissions := make(map[core.TransmissionID]core.Transmission)
	seen := make(map[string]bool)
	for _, round := range subdag.Rounds() {
		for _, cert := range subdag.Certificates[round] {
			e.dag.MarkCommitted(cert.ID())
			for _, id := range cert.Header.TransmissionIDs {
				key := fmt.Sprintf("%v/%s", id.Kind, id.ID)
				if seen[key] || (!isSyncing && e.ledger.ContainsTransmission(id)) {
					continue
				}
				if t, ok := e.storage.GetTransmission(id); ok {
					seen[key] = true
					transmissions[id] = t
				}
			}
		}
	}
	e.dag.MarkCommitted(leader.ID())
	e.dag.SetLastCommittedRound(leader.Round())
	e.ledger.UpdateLatestLeader(leader.Round(), leader.Author())

	e.storage.GarbageCollectCertificates(leader.Round())
	e.dag.GarbageCollect(leader.Round())

	e.emit(events.EventSubdagCommitted, leader.Round(), map[string]any{
		"leader": leader.Author(),
		"rounds": len(subdag.Certificates),
	})

	if isSyncing || e.onCommit == nil {
		return nil
	}
	if err := e.onCommit(ctx, subdag, transmissions); err != nil {
		return fmt.Errorf("bft: consensus callback: %w", err)
	}
	return nil
}

// OrderDAGWithDFS returns the deterministic, round-indexed set of
// certificates committed by leader: leader's own round plus every earlier
// round reachable by following PreviousCertificateIDs back to the last
// commit watermark, stopping at certificates already committed.
// allowLedgerAccess additionally stops the walk at any previous certificate
// id the ledger already has recorded, since such a certificate's subdag was
// necessarily already committed.
func (e *Engine) OrderDAGWithDFS(leader *core.BatchCertificate, allowLedgerAccess bool) (*Subdag, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.orderDAGWithDFSLocked(leader, allowLedgerAccess)
}

func (e *Engine) orderDAGWithDFSLocked(leader *core.BatchCertificate, allowLedgerAccess bool) (*Subdag, error) {
	subdag := &Subdag{
		AnchorRound:  leader.Round(),
		Certificates: make(map[uint64][]*core.BatchCertificate),
	}

	visited := make(map[string]bool)
	lastCommitted := e.dag.LastCommittedRound()

	// frontier holds the certificate ids still to visit, paired with their
	// round, walked in strictly decreasing round order so the traversal
	// always terminates at the commit watermark.
	type pending struct {
		round uint64
		id    string
	}
	stack := []pending{{leader.Round(), leader.ID()}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.round <= lastCommitted || visited[cur.id] || e.dag.IsRecentlyCommitted(cur.id) {
			continue
		}
		if allowLedgerAccess && e.ledger.ContainsCertificate(cur.id) {
			visited[cur.id] = true
			continue
		}
		visited[cur.id] = true

		cert, err := e.findByID(cur.round, cur.id)
		if err != nil {
			return nil, err
		}
		subdag.Certificates[cur.round] = append(subdag.Certificates[cur.round], cert)

		if cur.round <= 1 {
			continue
		}
		// reverse iteration so ties among previous-round references are
		// visited in a fixed, reproducible order on every validator
		for i := len(cert.Header.PreviousCertificateIDs) - 1; i >= 0; i-- {
			stack = append(stack, pending{cur.round - 1, cert.Header.PreviousCertificateIDs[i]})
		}
	}

	for round, certs := range subdag.Certificates {
		subdag.Certificates[round] = sortCertsByAuthor(certs)
	}
	return subdag, nil
}

// findByID resolves a certificate by round and id, checking the DAG first
// and falling back to storage — a certificate already linked out of the
// DAG's retention window can still be reachable there.
func (e *Engine) findByID(round uint64, id string) (*core.BatchCertificate, error) {
	for _, addr := range e.dag.AuthorsAtRound(round) {
		c, ok := e.dag.Get(round, addr)
		if ok && c.ID() == id {
			return c, nil
		}
	}
	if c, ok := e.storage.GetCertificate(id); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: round %d id %s", core.ErrMissingPrevious, round, id)
}

func sortCertsByAuthor(certs []*core.BatchCertificate) []*core.BatchCertificate {
	out := append([]*core.BatchCertificate(nil), certs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Author() > out[j].Author(); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// SyncBFTDagAtBootup replays a set of previously-seen certificates into the
// engine's DAG in round order at startup, without invoking the downstream
// consensus callback for any resulting commit.
func (e *Engine) SyncBFTDagAtBootup(ctx context.Context, certificates []*core.BatchCertificate) error {
	byRound := make(map[uint64][]*core.BatchCertificate)
	var rounds []uint64
	for _, c := range certificates {
		if _, ok := byRound[c.Round()]; !ok {
			rounds = append(rounds, c.Round())
		}
		byRound[c.Round()] = append(byRound[c.Round()], c)
	}
	for i := 1; i < len(rounds); i++ {
		for j := i; j > 0 && rounds[j-1] > rounds[j]; j-- {
			rounds[j-1], rounds[j] = rounds[j], rounds[j-1]
		}
	}

	for _, round := range rounds {
		for _, cert := range byRound[round] {
			if err := e.UpdateDAG(ctx, cert, true, true); err != nil {
				return fmt.Errorf("bft: sync at bootup round %d: %w", round, err)
			}
		}
	}
	return nil
}

// ShutDown releases the engine's serializing lock holder, if any, giving a
// concurrent UpdateDAG a chance to finish before the process exits.
func (e *Engine) ShutDown() {
	e.lock.Lock()
	defer e.lock.Unlock()
}
