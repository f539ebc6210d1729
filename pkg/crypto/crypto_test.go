package crypto

import (
	"slices"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"
	coseecdsa "github.com/ldclabs/cose/key/ecdsa"
	coseed25519 "github.com/ldclabs/cose/key/ed25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateKeyAndSignES256(t *testing.T) {
	privateKey, publicKey, err := CreateKey(iana.AlgorithmES256)
	require.NoError(t, err)
	require.NotEmpty(t, privateKey)
	require.NotNil(t, publicKey)

	segments := [][]byte{[]byte("auth data"), []byte("client data hash")}
	sig, err := Sign(iana.AlgorithmES256, privateKey, segments...)
	require.NoError(t, err)

	verifier, err := coseecdsa.NewVerifier(publicKey)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(slices.Concat(segments...), sig))
}

func TestCreateKeyAndSignEdDSA(t *testing.T) {
	privateKey, publicKey, err := CreateKey(iana.AlgorithmEdDSA)
	require.NoError(t, err)

	sig, err := Sign(iana.AlgorithmEdDSA, privateKey, []byte("message"))
	require.NoError(t, err)

	verifier, err := coseed25519.NewVerifier(publicKey)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify([]byte("message"), sig))
}

func TestPrivateKeyIsValidCBOR(t *testing.T) {
	privateKey, _, err := CreateKey(iana.AlgorithmES256)
	require.NoError(t, err)

	var k key.Key
	require.NoError(t, cbor.Unmarshal(privateKey, &k))
}

func TestCreateKeyUnsupportedAlgorithm(t *testing.T) {
	_, _, err := CreateKey(key.Alg(-257))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported(DefaultAlgorithms, iana.AlgorithmES256))
	assert.True(t, Supported(DefaultAlgorithms, iana.AlgorithmEdDSA))
	assert.False(t, Supported(DefaultAlgorithms, key.Alg(-257)))
}

func TestZeroize(t *testing.T) {
	b := []byte{1, 2, 3}
	Zeroize(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
