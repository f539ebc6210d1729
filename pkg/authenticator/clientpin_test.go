package authenticator

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"slices"
	"testing"

	"github.com/go-ctap/softauthn/pkg/authdata"
	"github.com/go-ctap/softauthn/pkg/ctaptypes"
	"github.com/go-ctap/softauthn/pkg/pinuvauth/protocoltwo"
	"github.com/go-ctap/softauthn/pkg/status"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/key"
	coseecdh "github.com/ldclabs/cose/key/ecdh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// platform emulates the platform half of the protocol two PIN ceremonies.
type platform struct {
	t            *testing.T
	a            *Authenticator
	sharedSecret []byte
	coseKey      key.Key
}

func newPlatform(t *testing.T, a *Authenticator) *platform {
	t.Helper()

	p := &platform{t: t, a: a}
	p.negotiate()
	return p
}

// negotiate fetches the authenticator key-agreement key and derives the
// shared secret.
func (p *platform) negotiate() {
	resp := p.clientPIN(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandGetKeyAgreement,
	})

	platformKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(p.t, err)
	p.coseKey, err = coseecdh.KeyFromPublic(platformKey.Public().(*ecdh.PublicKey))
	require.NoError(p.t, err)

	authenticatorPub, err := coseecdh.KeyToPublic(resp.KeyAgreement)
	require.NoError(p.t, err)
	z, err := platformKey.ECDH(authenticatorPub)
	require.NoError(p.t, err)
	p.sharedSecret, err = protocoltwo.KDF(z)
	require.NoError(p.t, err)
}

func (p *platform) clientPIN(req *ctaptypes.AuthenticatorClientPINRequest) *ctaptypes.AuthenticatorClientPINResponse {
	p.t.Helper()

	st, raw := p.a.HandleCommand(ctaptypes.AuthenticatorClientPIN, marshalRequest(p.t, req))
	require.Equal(p.t, status.CTAP2_OK, st)

	if len(raw) == 0 {
		return &ctaptypes.AuthenticatorClientPINResponse{}
	}
	var resp ctaptypes.AuthenticatorClientPINResponse
	require.NoError(p.t, cbor.Unmarshal(raw, &resp))
	return &resp
}

func (p *platform) clientPINExpect(req *ctaptypes.AuthenticatorClientPINRequest, want status.StatusCode) {
	p.t.Helper()

	st, _ := p.a.HandleCommand(ctaptypes.AuthenticatorClientPIN, marshalRequest(p.t, req))
	require.Equal(p.t, want, st)
}

func paddedPIN(pin string) []byte {
	padded := make([]byte, 64)
	copy(padded, pin)
	return padded
}

func (p *platform) setPIN(pin string) {
	newPinEnc, err := protocoltwo.Encrypt(p.sharedSecret, paddedPIN(pin))
	require.NoError(p.t, err)

	p.clientPIN(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandSetPIN,
		KeyAgreement:      p.coseKey,
		PinUvAuthParam:    protocoltwo.Authenticate(p.sharedSecret, newPinEnc),
		NewPinEnc:         newPinEnc,
	})
}

func (p *platform) pinHashEnc(pin string) []byte {
	pinHash := sha256.Sum256([]byte(pin))
	enc, err := protocoltwo.Encrypt(p.sharedSecret, pinHash[:16])
	require.NoError(p.t, err)
	return enc
}

// token fetches a pinUvAuthToken with the given permissions and decrypts it.
func (p *platform) token(pin string, permissions ctaptypes.Permission, rpID string) []byte {
	resp := p.clientPIN(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions,
		KeyAgreement:      p.coseKey,
		PinHashEnc:        p.pinHashEnc(pin),
		Permissions:       permissions,
		RPID:              rpID,
	})

	token, err := protocoltwo.Decrypt(p.sharedSecret, resp.PinUvAuthToken)
	require.NoError(p.t, err)
	require.Len(p.t, token, 32)
	return token
}

func TestClientPINGetRetries(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)

	resp := p.clientPIN(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandGetPINRetries,
	})
	require.NotNil(t, resp.PinRetries)
	assert.Equal(t, uint(pinRetryMax), *resp.PinRetries)
}

func TestClientPINSetPINAndMakeCredential(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)

	p.setPIN("123456")
	require.True(t, a.pinSet())

	token := p.token("123456", ctaptypes.PermissionMakeCredential, "example.com")

	req := baseMakeCredentialRequest()
	req.PinUvAuthParam = protocoltwo.Authenticate(token, clientDataHash())
	req.PinUvAuthProtocol = ctaptypes.PinUvAuthProtocolTwo

	st, resp := runMakeCredential(t, a, req)
	require.Equal(t, status.CTAP2_OK, st)

	ad, err := authdata.Unmarshal(resp.AuthData)
	require.NoError(t, err)
	assert.Equal(t, byte(0x45), byte(ad.Flags))
}

func TestClientPINTokenRPBindingEnforced(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)

	p.setPIN("123456")
	token := p.token("123456", ctaptypes.PermissionMakeCredential, "other.example")

	req := baseMakeCredentialRequest()
	req.PinUvAuthParam = protocoltwo.Authenticate(token, clientDataHash())
	req.PinUvAuthProtocol = ctaptypes.PinUvAuthProtocolTwo

	st, _ := runMakeCredential(t, a, req)
	assert.Equal(t, status.CTAP2_ERR_PIN_AUTH_INVALID, st)
}

func TestClientPINSetPINTwice(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)
	p.setPIN("123456")

	newPinEnc, err := protocoltwo.Encrypt(p.sharedSecret, paddedPIN("654321"))
	require.NoError(t, err)
	p.clientPINExpect(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandSetPIN,
		KeyAgreement:      p.coseKey,
		PinUvAuthParam:    protocoltwo.Authenticate(p.sharedSecret, newPinEnc),
		NewPinEnc:         newPinEnc,
	}, status.CTAP2_ERR_PIN_AUTH_INVALID)
}

func TestClientPINTooShort(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)

	newPinEnc, err := protocoltwo.Encrypt(p.sharedSecret, paddedPIN("12"))
	require.NoError(t, err)
	p.clientPINExpect(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandSetPIN,
		KeyAgreement:      p.coseKey,
		PinUvAuthParam:    protocoltwo.Authenticate(p.sharedSecret, newPinEnc),
		NewPinEnc:         newPinEnc,
	}, status.CTAP2_ERR_PIN_POLICY_VIOLATION)
}

func TestClientPINChangePIN(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)
	p.setPIN("123456")

	newPinEnc, err := protocoltwo.Encrypt(p.sharedSecret, paddedPIN("654321"))
	require.NoError(t, err)
	pinHashEnc := p.pinHashEnc("123456")

	p.clientPIN(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandChangePIN,
		KeyAgreement:      p.coseKey,
		PinUvAuthParam:    protocoltwo.Authenticate(p.sharedSecret, slices.Concat(newPinEnc, pinHashEnc)),
		NewPinEnc:         newPinEnc,
		PinHashEnc:        pinHashEnc,
	})

	// old PIN no longer proves; key agreement rotated after the failure
	p.negotiate()
	p.clientPINExpect(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions,
		KeyAgreement:      p.coseKey,
		PinHashEnc:        p.pinHashEnc("123456"),
		Permissions:       ctaptypes.PermissionMakeCredential,
	}, status.CTAP2_ERR_PIN_INVALID)

	p.negotiate()
	p.token("654321", ctaptypes.PermissionMakeCredential, "")
}

func TestClientPINWrongPINBurnsRetry(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)
	p.setPIN("123456")

	p.clientPINExpect(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions,
		KeyAgreement:      p.coseKey,
		PinHashEnc:        p.pinHashEnc("999999"),
		Permissions:       ctaptypes.PermissionMakeCredential,
	}, status.CTAP2_ERR_PIN_INVALID)

	assert.Equal(t, uint(pinRetryMax-1), a.pinRetries)

	// a successful proof restores the budget
	p.negotiate()
	p.token("123456", ctaptypes.PermissionMakeCredential, "")
	assert.Equal(t, uint(pinRetryMax), a.pinRetries)
}

func TestClientPINPermissionsRequired(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)
	p.setPIN("123456")

	p.clientPINExpect(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions,
		KeyAgreement:      p.coseKey,
		PinHashEnc:        p.pinHashEnc("123456"),
	}, status.CTAP2_ERR_MISSING_PARAMETER)
}

func TestClientPINNoMcGaPermissions(t *testing.T) {
	a, _, _ := newTestAuthenticator(t, WithNoMcGaPermissionsWithClientPin())
	p := newPlatform(t, a)
	p.setPIN("123456")

	p.clientPINExpect(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions,
		KeyAgreement:      p.coseKey,
		PinHashEnc:        p.pinHashEnc("123456"),
		Permissions:       ctaptypes.PermissionMakeCredential,
	}, status.CTAP2_ERR_UNAUTHORIZED_PERMISSION)
}

func TestClientPINTokenNotSet(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)
	p := newPlatform(t, a)

	p.clientPINExpect(&ctaptypes.AuthenticatorClientPINRequest{
		PinUvAuthProtocol: ctaptypes.PinUvAuthProtocolTwo,
		SubCommand:        ctaptypes.ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions,
		KeyAgreement:      p.coseKey,
		PinHashEnc:        p.pinHashEnc("123456"),
		Permissions:       ctaptypes.PermissionMakeCredential,
	}, status.CTAP2_ERR_PIN_NOT_SET)
}
