package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := Sign(priv, []byte("hello"))
	assert.NoError(t, Verify(pub, []byte("hello"), sig))
	assert.Error(t, Verify(pub, []byte("tampered"), sig), "verification must fail against a different message")
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, otherPub, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := Sign(priv, []byte("hello"))
	assert.Error(t, Verify(otherPub, []byte("hello"), sig))
}

func TestPubKeyHexRoundTrip(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	decoded, err := PubKeyFromHex(pub.Hex())
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), []byte(decoded))
}

func TestPubKeyFromHexRejectsWrongLength(t *testing.T) {
	_, err := PubKeyFromHex("abcd")
	assert.Error(t, err)
}

func TestHashIsDeterministic(t *testing.T) {
	assert.Equal(t, Hash([]byte("data")), Hash([]byte("data")))
	assert.NotEqual(t, Hash([]byte("data")), Hash([]byte("other")))
}

func TestAddressIsDerivedFromPublicKey(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	addr := pub.Address()
	assert.Len(t, addr, 40)
	assert.Equal(t, addr, pub.Address(), "address derivation must be deterministic")
}
