package ctaptypes

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"
	"github.com/ldclabs/cose/key"
)

// HMACSecretInput is the authenticator-side view of the hmac-secret extension
// input on authenticatorGetAssertion.
type HMACSecretInput struct {
	KeyAgreement      key.Key           `cbor:"1,keyasint"`
	SaltEnc           []byte            `cbor:"2,keyasint"`
	SaltAuth          []byte            `cbor:"3,keyasint"`
	PinUvAuthProtocol PinUvAuthProtocol `cbor:"4,keyasint,omitempty"`
}

// CredProtect returns the requested credProtect policy, if any. Values outside
// the defined range are reported as not present; the handler ignores them the
// same way it ignores unknown extensions.
func (r *AuthenticatorMakeCredentialRequest) CredProtect() (CredentialProtectionPolicy, bool) {
	raw, ok := r.Extensions[webauthntypes.ExtensionIdentifierCredentialProtection]
	if !ok {
		return 0, false
	}

	var policy uint64
	switch v := raw.(type) {
	case uint64:
		policy = v
	case int64:
		policy = uint64(v)
	default:
		return 0, false
	}
	if policy < uint64(UserVerificationOptional) || policy > uint64(UserVerificationRequired) {
		return 0, false
	}

	return CredentialProtectionPolicy(policy), true
}

// HMACSecretCreate reports whether the request asks for hmac-secret seeds to
// be provisioned on the new credential.
func (r *AuthenticatorMakeCredentialRequest) HMACSecretCreate() bool {
	raw, ok := r.Extensions[webauthntypes.ExtensionIdentifierHMACSecret]
	if !ok {
		return false
	}

	create, ok := raw.(bool)
	return ok && create
}

// HMACSecret decodes the hmac-secret input of a GetAssertion request. The
// extension value arrives as an untyped CBOR map, so it is round-tripped
// through the codec into the typed form.
func (r *AuthenticatorGetAssertionRequest) HMACSecret() (*HMACSecretInput, bool) {
	raw, ok := r.Extensions[webauthntypes.ExtensionIdentifierHMACSecret]
	if !ok {
		return nil, false
	}

	b, err := cbor.Marshal(raw)
	if err != nil {
		return nil, false
	}

	var input HMACSecretInput
	if err := cbor.Unmarshal(b, &input); err != nil {
		return nil, false
	}

	return &input, true
}
