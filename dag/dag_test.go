package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/dagbft/core"
)

func certAt(t *testing.T, round uint64, author string) *core.BatchCertificate {
	t.Helper()
	h := core.BatchHeader{Author: author, Round: round, CommitteeID: "committee-1"}
	return &core.BatchCertificate{Header: h, Signatures: map[string]string{}}
}

func TestDAGInsertRejectsRoundAuthorCollision(t *testing.T) {
	d, err := New(10, 16)
	require.NoError(t, err)

	c1 := certAt(t, 1, "a")
	require.NoError(t, d.Insert(c1))

	c2 := certAt(t, 1, "a")
	assert.ErrorIs(t, d.Insert(c2), core.ErrAlreadyExists)
}

func TestDAGGetAndCertificatesForRound(t *testing.T) {
	d, err := New(10, 16)
	require.NoError(t, err)

	for _, a := range []string{"a", "b", "c"} {
		require.NoError(t, d.Insert(certAt(t, 1, a)))
	}

	c, ok := d.Get(1, "b")
	require.True(t, ok)
	assert.Equal(t, "b", c.Author())

	_, ok = d.Get(1, "missing")
	assert.False(t, ok)

	certs := d.CertificatesForRound(1)
	assert.Len(t, certs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, d.AuthorsAtRound(1))
}

func TestDAGLastCommittedRoundMonotonic(t *testing.T) {
	d, err := New(10, 16)
	require.NoError(t, err)

	d.SetLastCommittedRound(5)
	assert.Equal(t, uint64(5), d.LastCommittedRound())

	d.SetLastCommittedRound(3) // lower, no-op
	assert.Equal(t, uint64(5), d.LastCommittedRound())

	d.SetLastCommittedRound(7)
	assert.Equal(t, uint64(7), d.LastCommittedRound())
}

func TestDAGRecentlyCommittedReplayProtection(t *testing.T) {
	d, err := New(10, 16)
	require.NoError(t, err)

	assert.False(t, d.IsRecentlyCommitted("cert-1"))
	d.MarkCommitted("cert-1")
	assert.True(t, d.IsRecentlyCommitted("cert-1"))
}

func TestDAGRecentlyCommittedCacheIsBounded(t *testing.T) {
	d, err := New(10, 2)
	require.NoError(t, err)

	d.MarkCommitted("a")
	d.MarkCommitted("b")
	d.MarkCommitted("c") // evicts "a" under a cap of 2

	assert.False(t, d.IsRecentlyCommitted("a"))
	assert.True(t, d.IsRecentlyCommitted("c"))
}

func TestDAGGarbageCollectEvictsBelowWindow(t *testing.T) {
	d, err := New(2, 16)
	require.NoError(t, err)

	require.NoError(t, d.Insert(certAt(t, 1, "a")))
	require.NoError(t, d.Insert(certAt(t, 2, "a")))
	require.NoError(t, d.Insert(certAt(t, 5, "a")))

	d.GarbageCollect(5) // gc_round = 5-2 = 3

	assert.Nil(t, d.CertificatesForRound(1))
	assert.Nil(t, d.CertificatesForRound(2))
	assert.NotNil(t, d.CertificatesForRound(5))
}
