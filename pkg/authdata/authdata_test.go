package authdata

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/ldclabs/cose/iana"
	coseecdsa "github.com/ldclabs/cose/key/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalLayout(t *testing.T) {
	rpIDHash := sha256.Sum256([]byte("example.com"))

	b, err := Marshal(&T{
		RPIDHash:  rpIDHash[:],
		Flags:     FlagUserPresent,
		SignCount: 7,
	})
	require.NoError(t, err)

	require.Len(t, b, 37)
	assert.Equal(t, rpIDHash[:], b[:32])
	assert.Equal(t, byte(0x01), b[32])
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(b[33:37]))
}

func TestRoundTripWithAttestedCredentialData(t *testing.T) {
	priv, err := coseecdsa.GenerateKey(iana.AlgorithmES256)
	require.NoError(t, err)
	pub, err := coseecdsa.ToPublicKey(priv)
	require.NoError(t, err)

	rpIDHash := sha256.Sum256([]byte("example.com"))
	credentialID := bytes.Repeat([]byte{0xab}, 32)

	orig := &T{
		RPIDHash:  rpIDHash[:],
		Flags:     FlagUserPresent | FlagAttestedCredentialDataIncluded,
		SignCount: 0,
		AttestedCredentialData: &AttestedCredentialData{
			AAGUID:              uuid.MustParse("01020304-0506-0708-090a-0b0c0d0e0f10"),
			CredentialID:        credentialID,
			CredentialPublicKey: pub,
		},
	}

	encoded, err := Marshal(orig)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	assert.Equal(t, orig.RPIDHash, decoded.RPIDHash)
	assert.Equal(t, orig.Flags, decoded.Flags)
	assert.Equal(t, orig.SignCount, decoded.SignCount)
	require.NotNil(t, decoded.AttestedCredentialData)
	assert.Equal(t, orig.AttestedCredentialData.AAGUID, decoded.AttestedCredentialData.AAGUID)
	assert.Equal(t, credentialID, decoded.AttestedCredentialData.CredentialID)

	// byte-for-byte stable
	reencoded, err := Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
}

func TestRoundTripWithExtensions(t *testing.T) {
	rpIDHash := sha256.Sum256([]byte("example.com"))
	extensions := []byte{0xa1, 0x6b, 'h', 'm', 'a', 'c', '-', 's', 'e', 'c', 'r', 'e', 't', 0xf5}

	orig := &T{
		RPIDHash:   rpIDHash[:],
		Flags:      FlagUserPresent | FlagExtensionDataIncluded,
		SignCount:  3,
		Extensions: extensions,
	}

	encoded, err := Marshal(orig)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	assert.Equal(t, extensions, decoded.Extensions)

	reencoded, err := Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
}

func TestMarshalRejectsBadRPIDHash(t *testing.T) {
	_, err := Marshal(&T{RPIDHash: []byte{1, 2, 3}})
	assert.Error(t, err)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	_, err := Unmarshal(make([]byte, 36))
	assert.ErrorIs(t, err, ErrInvalidAuthData)

	// at flag set but no attested credential data bytes
	b := make([]byte, 37)
	b[32] = byte(FlagAttestedCredentialDataIncluded)
	_, err = Unmarshal(b)
	assert.ErrorIs(t, err, ErrInvalidAuthData)
}

func TestFlagHelpers(t *testing.T) {
	f := FlagUserPresent | FlagUserVerified | FlagAttestedCredentialDataIncluded | FlagExtensionDataIncluded
	assert.True(t, f.UserPresent())
	assert.True(t, f.UserVerified())
	assert.True(t, f.AttestedCredentialDataIncluded())
	assert.True(t, f.ExtensionDataIncluded())

	assert.False(t, Flag(0).UserPresent())
	assert.Equal(t, byte(0x41), byte(FlagUserPresent|FlagAttestedCredentialDataIncluded))
	assert.Equal(t, byte(0x45), byte(FlagUserPresent|FlagUserVerified|FlagAttestedCredentialDataIncluded))
}
