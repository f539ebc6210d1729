package pinuvauth

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-ctap/softauthn/pkg/ctaptypes"
	"github.com/go-ctap/softauthn/pkg/pinuvauth/protocolone"
	"github.com/go-ctap/softauthn/pkg/pinuvauth/protocoltwo"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestToken(t *testing.T, number ctaptypes.PinUvAuthProtocol) *Token {
	t.Helper()

	token, err := NewToken(number, mathrand.New(mathrand.NewSource(42)))
	require.NoError(t, err)
	return token
}

func TestTokenVerifyProtocolOne(t *testing.T) {
	token := newTestToken(t, ctaptypes.PinUvAuthProtocolOne)
	token.BeginSession(ctaptypes.PermissionMakeCredential, mo.None[string]())

	message := []byte("client data hash goes here......")
	mac := protocolone.Authenticate(token.Key(), message)

	require.Len(t, mac, 16)
	assert.True(t, token.Verify(message, mac))
	assert.False(t, token.Verify([]byte("different message"), mac))

	mac[0] ^= 0xff
	assert.False(t, token.Verify(message, mac))
}

func TestTokenVerifyProtocolTwo(t *testing.T) {
	token := newTestToken(t, ctaptypes.PinUvAuthProtocolTwo)
	token.BeginSession(ctaptypes.PermissionGetAssertion, mo.None[string]())

	message := []byte("client data hash goes here......")
	mac := protocoltwo.Authenticate(token.Key(), message)

	require.Len(t, mac, 32)
	assert.True(t, token.Verify(message, mac))

	// protocol one truncation is not acceptable for a v2 token
	assert.False(t, token.Verify(message, mac[:16]))
}

func TestTokenNotInUseVerifiesNothing(t *testing.T) {
	token := newTestToken(t, ctaptypes.PinUvAuthProtocolOne)

	message := []byte("message")
	mac := protocolone.Authenticate(token.Key(), message)
	assert.False(t, token.Verify(message, mac))
}

func TestTokenSessionFlags(t *testing.T) {
	token := newTestToken(t, ctaptypes.PinUvAuthProtocolOne)
	token.BeginSession(ctaptypes.PermissionMakeCredential, mo.None[string]())

	assert.True(t, token.GetUserVerifiedFlagValue())
	assert.False(t, token.GetUserPresentFlagValue())

	token.ClearUserVerifiedFlag()
	assert.False(t, token.GetUserVerifiedFlagValue())
}

func TestTokenRPIDBindingFirstUseWins(t *testing.T) {
	token := newTestToken(t, ctaptypes.PinUvAuthProtocolOne)
	token.BeginSession(ctaptypes.PermissionMakeCredential, mo.None[string]())

	token.BindRPID("example.com")
	token.BindRPID("evil.example")

	rpID, bound := token.RPID().Get()
	require.True(t, bound)
	assert.Equal(t, "example.com", rpID)
}

func TestClearPermissionsExceptLbw(t *testing.T) {
	t.Run("lbw held keeps binding", func(t *testing.T) {
		token := newTestToken(t, ctaptypes.PinUvAuthProtocolOne)
		token.BeginSession(
			ctaptypes.PermissionMakeCredential|ctaptypes.PermissionLargeBlobWrite,
			mo.Some("example.com"),
		)

		token.ClearPermissionsExceptLbw()

		assert.False(t, token.HasPermission(ctaptypes.PermissionMakeCredential))
		assert.True(t, token.HasPermission(ctaptypes.PermissionLargeBlobWrite))
		assert.True(t, token.RPID().IsPresent())
	})

	t.Run("no lbw clears binding", func(t *testing.T) {
		token := newTestToken(t, ctaptypes.PinUvAuthProtocolOne)
		token.BeginSession(ctaptypes.PermissionMakeCredential, mo.Some("example.com"))

		token.ClearPermissionsExceptLbw()

		assert.False(t, token.HasPermission(ctaptypes.PermissionMakeCredential))
		assert.False(t, token.HasPermission(ctaptypes.PermissionLargeBlobWrite))
		assert.True(t, token.RPID().IsAbsent())
	})
}

func TestTokenRotateResetsState(t *testing.T) {
	token := newTestToken(t, ctaptypes.PinUvAuthProtocolOne)
	token.BeginSession(ctaptypes.PermissionMakeCredential, mo.Some("example.com"))
	oldKey := append([]byte(nil), token.Key()...)

	require.NoError(t, token.Rotate(mathrand.New(mathrand.NewSource(7))))

	assert.False(t, token.InUse())
	assert.True(t, token.RPID().IsAbsent())
	assert.NotEqual(t, oldKey, token.Key())
}
