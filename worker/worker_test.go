package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/dagbft/core"
	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/internal/testutil"
)

func txWithData(t *testing.T, id string, data []byte) core.Transmission {
	t.Helper()
	return core.Transmission{
		ID:   core.TransmissionID{Kind: core.TransmissionTransaction, ID: id, Checksum: crypto.Hash(data)},
		Data: data,
	}
}

func noopFetch(context.Context, core.TransmissionID) (core.Transmission, error) {
	return core.Transmission{}, errors.New("no fetch configured")
}

func testCommittee() *core.Committee {
	return core.NewCommittee(1, map[string]uint64{"a": 100})
}

func TestProcessTransmissionFromPeerEnqueuesOnce(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 10)

	tx := txWithData(t, "tx-1", []byte("hello"))
	require.NoError(t, w.ProcessTransmissionFromPeer(tx))
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Contains(tx.ID))

	assert.ErrorIs(t, w.ProcessTransmissionFromPeer(tx), core.ErrDuplicateID)
	assert.Equal(t, 1, w.Len())
}

func TestProcessTransmissionFromPeerRejectsBadChecksum(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 10)

	tx := txWithData(t, "tx-1", []byte("hello"))
	tx.ID.Checksum = "wrong"
	assert.ErrorIs(t, w.ProcessTransmissionFromPeer(tx), core.ErrChecksumMismatch)
	assert.Equal(t, 0, w.Len())
}

func TestProcessTransmissionFromPeerSkipsAlreadySettled(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 10)

	tx := txWithData(t, "tx-1", []byte("hello"))
	l.MarkTransmissionSettled(tx.ID)

	assert.ErrorIs(t, w.ProcessTransmissionFromPeer(tx), core.ErrDuplicateID)
	assert.Equal(t, 0, w.Len(), "already-settled transmissions must not be re-queued")
}

func TestProcessTransmissionFromPeerRejectsLedgerInvalid(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 10)

	tx := txWithData(t, "tx-1", []byte("hello"))
	l.RejectTransmission(tx.ID, errors.New("bad transaction"))

	assert.Error(t, w.ProcessTransmissionFromPeer(tx))
	assert.Equal(t, 0, w.Len())
}

func TestProcessTransmissionFromPeerRejectsWhenQueueFull(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 1)

	require.NoError(t, w.ProcessTransmissionFromPeer(txWithData(t, "tx-1", []byte("a"))))
	assert.Error(t, w.ProcessTransmissionFromPeer(txWithData(t, "tx-2", []byte("b"))))
	assert.Equal(t, 1, w.Len())
}

func TestDrainReturnsOldestFirstAndRemovesThem(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 10)

	for i, data := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		require.NoError(t, w.ProcessTransmissionFromPeer(txWithData(t, string(rune('1'+i)), data)))
	}

	ids, payloads := w.Drain(2)
	require.Len(t, ids, 2)
	assert.Len(t, payloads, 2)
	assert.Equal(t, 1, w.Len(), "one transmission should remain queued")

	remaining := w.AllIDs()
	require.Len(t, remaining, 1)
}

func TestPeekDoesNotRemove(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 10)
	require.NoError(t, w.ProcessTransmissionFromPeer(txWithData(t, "tx-1", []byte("a"))))

	peeked := w.Peek(5)
	assert.Len(t, peeked, 1)
	assert.Equal(t, 1, w.Len())
}

func TestGetOrFetchTransmissionReturnsLocalCopyWithoutFetching(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 10)
	tx := txWithData(t, "tx-1", []byte("a"))
	require.NoError(t, w.ProcessTransmissionFromPeer(tx))

	got, err := w.GetOrFetchTransmission(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.Data, got.Data)
}

func TestGetOrFetchTransmissionDedupsConcurrentFetches(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	tx := txWithData(t, "tx-1", []byte("remote"))

	var calls int32
	fetch := func(ctx context.Context, id core.TransmissionID) (core.Transmission, error) {
		atomic.AddInt32(&calls, 1)
		return tx, nil
	}
	w := New(0, l, fetch, 10)

	done := make(chan core.Transmission, 4)
	for i := 0; i < 4; i++ {
		go func() {
			got, err := w.GetOrFetchTransmission(context.Background(), tx.ID)
			require.NoError(t, err)
			done <- got
		}()
	}
	for i := 0; i < 4; i++ {
		got := <-done
		assert.Equal(t, tx.Data, got.Data)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent fetches for the same id must be deduped")
}

func TestGetOrFetchTransmissionPropagatesFetchError(t *testing.T) {
	l := testutil.NewMemLedger(testCommittee(), 0)
	w := New(0, l, noopFetch, 10)

	_, err := w.GetOrFetchTransmission(context.Background(), core.TransmissionID{Kind: core.TransmissionTransaction, ID: "missing"})
	assert.Error(t, err)
}
