// Package worker implements the per-shard transmission queues the Primary
// drains when building a batch proposal. Each Worker owns one shard of the
// transmission id space (core.TransmissionID.ShardOf) and is the only
// component ever allowed to mutate that shard's queue, so no cross-worker
// locking is required.
package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/ledger"
)

// FetchFunc asks peers for a transmission this worker does not yet hold,
// returning its payload. Supplied by the gateway.
type FetchFunc func(ctx context.Context, id core.TransmissionID) (core.Transmission, error)

// Worker queues transmissions for a single shard. New transmissions arrive
// either directly from a client (ProcessTransmissionFromPeer) or are pulled
// on demand when a peer's batch header references an id this worker does
// not hold (GetOrFetchTransmission).
type Worker struct {
	id     uint32
	ledger ledger.Service
	fetch  FetchFunc

	maxQueue int

	mu    sync.Mutex
	ready map[core.TransmissionID]core.Transmission
	order []core.TransmissionID

	sf singleflight.Group
}

// New creates a Worker for shard id. maxQueue bounds the ready queue;
// ProcessTransmissionFromPeer rejects new transmissions once full, leaving
// backpressure to the gossip layer's retry/backoff rather than silently
// dropping.
func New(id uint32, ledgerSvc ledger.Service, fetch FetchFunc, maxQueue int) *Worker {
	return &Worker{
		id:       id,
		ledger:   ledgerSvc,
		fetch:    fetch,
		maxQueue: maxQueue,
		ready:    make(map[core.TransmissionID]core.Transmission),
	}
}

// ID returns the shard index this worker owns.
func (w *Worker) ID() uint32 { return w.id }

// Contains reports whether id is already queued.
func (w *Worker) Contains(id core.TransmissionID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.ready[id]
	return ok
}

// Len returns the number of transmissions currently queued.
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// ProcessTransmissionFromPeer validates t against the ledger's basic checks
// and the advertised checksum, then enqueues it if the shard has room and
// it is not already queued or already in the ledger.
func (w *Worker) ProcessTransmissionFromPeer(t core.Transmission) error {
	if err := t.VerifyChecksum(); err != nil {
		return err
	}
	if err := w.validate(t); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.ready[t.ID]; ok {
		return core.ErrDuplicateID
	}
	if w.ledger.ContainsTransmission(t.ID) {
		return core.ErrDuplicateID
	}
	if len(w.order) >= w.maxQueue {
		return fmt.Errorf("worker %d: queue full", w.id)
	}
	w.ready[t.ID] = t
	w.order = append(w.order, t.ID)
	return nil
}

func (w *Worker) validate(t core.Transmission) error {
	switch t.ID.Kind {
	case core.TransmissionSolution:
		return w.ledger.CheckSolutionBasic(t.ID, t.Data)
	case core.TransmissionTransaction:
		return w.ledger.CheckTransactionBasic(t.ID, t.Data)
	case core.TransmissionRatification:
		return nil
	default:
		return fmt.Errorf("worker %d: unknown transmission kind %v", w.id, t.ID.Kind)
	}
}

// GetOrFetchTransmission returns id's payload, pulling it from peers via
// fetch if this worker doesn't hold it yet. Concurrent callers asking for
// the same id share one in-flight fetch.
func (w *Worker) GetOrFetchTransmission(ctx context.Context, id core.TransmissionID) (core.Transmission, error) {
	w.mu.Lock()
	if t, ok := w.ready[id]; ok {
		w.mu.Unlock()
		return t, nil
	}
	w.mu.Unlock()

	v, err, _ := w.sf.Do(id.Key(), func() (interface{}, error) {
		t, err := w.fetch(ctx, id)
		if err != nil {
			return core.Transmission{}, err
		}
		if err := t.VerifyChecksum(); err != nil {
			return core.Transmission{}, err
		}
		if err := w.validate(t); err != nil {
			return core.Transmission{}, err
		}
		w.mu.Lock()
		if _, ok := w.ready[t.ID]; !ok && len(w.order) < w.maxQueue {
			w.ready[t.ID] = t
			w.order = append(w.order, t.ID)
		}
		w.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return core.Transmission{}, err
	}
	return v.(core.Transmission), nil
}

// Drain removes up to n of the oldest queued transmissions and returns
// their ids and payloads, in the order they were enqueued — the order the
// resulting batch header's transmission list preserves.
func (w *Worker) Drain(n int) ([]core.TransmissionID, map[core.TransmissionID]core.Transmission) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n > len(w.order) {
		n = len(w.order)
	}
	ids := append([]core.TransmissionID(nil), w.order[:n]...)
	out := make(map[core.TransmissionID]core.Transmission, n)
	for _, id := range ids {
		out[id] = w.ready[id]
		delete(w.ready, id)
	}
	w.order = w.order[n:]
	return ids, out
}

// AllIDs returns every currently queued transmission id, oldest first.
func (w *Worker) AllIDs() []core.TransmissionID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]core.TransmissionID(nil), w.order...)
}

// Peek returns up to n of the oldest queued transmission ids without
// removing them.
func (w *Worker) Peek(n int) []core.TransmissionID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > len(w.order) {
		n = len(w.order)
	}
	return append([]core.TransmissionID(nil), w.order[:n]...)
}
