package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/dagbft/crypto"
)

func signedHeader(t *testing.T, priv crypto.PrivateKey, round uint64, prev []string) BatchHeader {
	t.Helper()
	h := BatchHeader{
		Author:                 priv.Public().Hex(),
		Round:                  round,
		Timestamp:              1000,
		CommitteeID:            "committee-1",
		PreviousCertificateIDs: prev,
	}
	h.Sign(priv)
	return h
}

func TestBatchHeaderRoundInvariant(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	round1 := signedHeader(t, priv, 1, nil)
	assert.NoError(t, round1.CheckRoundInvariant())

	round2NoPrev := signedHeader(t, priv, 2, nil)
	assert.Error(t, round2NoPrev.CheckRoundInvariant())

	round2WithPrev := signedHeader(t, priv, 2, []string{"cert-a"})
	assert.NoError(t, round2WithPrev.CheckRoundInvariant())

	round1WithPrev := signedHeader(t, priv, 1, []string{"cert-a"})
	assert.Error(t, round1WithPrev.CheckRoundInvariant())
}

func TestBatchHeaderSignatureRoundTrip(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	h := signedHeader(t, priv, 1, nil)
	assert.NoError(t, h.VerifyAuthorSignature())

	h.Timestamp = 2000 // tamper after signing
	assert.Error(t, h.VerifyAuthorSignature())
}

func TestBatchIDExcludesSignature(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	h1 := signedHeader(t, priv, 1, nil)
	h2 := h1
	h2.Signature = "different-signature-but-same-body"
	assert.Equal(t, h1.BatchID(), h2.BatchID())
}

func TestCertificateQuorumAndID(t *testing.T) {
	privA, _, _ := crypto.GenerateKeyPair()
	privB, _, _ := crypto.GenerateKeyPair()
	committee := NewCommittee(1, map[string]uint64{
		privA.Public().Hex(): 50,
		privB.Public().Hex(): 50,
	})

	header := signedHeader(t, privA, 1, nil)
	header.CommitteeID = committee.ID()

	cert := &BatchCertificate{Header: header, Signatures: map[string]string{}}
	assert.False(t, cert.ReachesQuorum(committee), "author-only stake must not reach quorum alone")

	sigB := crypto.Sign(privB, []byte(header.BatchID()))
	cert.Signatures[privB.Public().Hex()] = sigB
	assert.True(t, cert.ReachesQuorum(committee))

	id1 := cert.ID()
	id2 := cert.ID()
	assert.Equal(t, id1, id2, "certificate id must be deterministic")
}
