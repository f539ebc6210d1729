package authenticator

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"slices"

	"github.com/go-ctap/softauthn/pkg/ctaptypes"
	"github.com/go-ctap/softauthn/pkg/pinuvauth"
	"github.com/go-ctap/softauthn/pkg/status"

	"github.com/samber/mo"
)

func (a *Authenticator) clientPIN(req *ctaptypes.AuthenticatorClientPINRequest) (status.StatusCode, []byte) {
	switch req.SubCommand {
	case ctaptypes.ClientPINSubCommandGetPINRetries:
		retries := a.pinRetries
		return a.encode(&ctaptypes.AuthenticatorClientPINResponse{PinRetries: &retries})

	case ctaptypes.ClientPINSubCommandGetKeyAgreement:
		ka := a.keyAgreements[req.PinUvAuthProtocol]
		if ka == nil {
			return status.CTAP1_ERR_INVALID_PARAMETER, nil
		}
		return a.encode(&ctaptypes.AuthenticatorClientPINResponse{KeyAgreement: ka.PublicKey()})

	case ctaptypes.ClientPINSubCommandSetPIN:
		return a.setPIN(req)

	case ctaptypes.ClientPINSubCommandChangePIN:
		return a.changePIN(req)

	case ctaptypes.ClientPINSubCommandGetPinToken:
		return a.getPinUvAuthToken(req, ctaptypes.PermissionMakeCredential|ctaptypes.PermissionGetAssertion, mo.None[string]())

	case ctaptypes.ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions:
		if req.Permissions == ctaptypes.PermissionNone {
			return status.CTAP2_ERR_MISSING_PARAMETER, nil
		}
		if a.noMcGaPermissionsWithClientPin &&
			req.Permissions&(ctaptypes.PermissionMakeCredential|ctaptypes.PermissionGetAssertion) != 0 {
			return status.CTAP2_ERR_UNAUTHORIZED_PERMISSION, nil
		}

		rpID := mo.None[string]()
		if req.RPID != "" {
			rpID = mo.Some(req.RPID)
		}
		return a.getPinUvAuthToken(req, req.Permissions, rpID)

	default:
		return status.CTAP2_ERR_INVALID_SUBCOMMAND, nil
	}
}

func (a *Authenticator) setPIN(req *ctaptypes.AuthenticatorClientPINRequest) (status.StatusCode, []byte) {
	if req.KeyAgreement == nil || req.NewPinEnc == nil || req.PinUvAuthParam == nil {
		return status.CTAP2_ERR_MISSING_PARAMETER, nil
	}
	if a.pinSet() {
		return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
	}

	ka := a.keyAgreements[req.PinUvAuthProtocol]
	if ka == nil {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}
	sharedSecret, err := ka.SharedSecret(req.KeyAgreement)
	if err != nil {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}

	if !pinuvauth.Verify(req.PinUvAuthProtocol, sharedSecret, req.NewPinEnc, req.PinUvAuthParam) {
		return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
	}

	pinHash, st := a.decodeNewPIN(req.PinUvAuthProtocol, sharedSecret, req.NewPinEnc)
	if st != status.CTAP2_OK {
		return st, nil
	}

	a.pinHash = pinHash
	a.pinRetries = pinRetryMax
	return status.CTAP2_OK, nil
}

func (a *Authenticator) changePIN(req *ctaptypes.AuthenticatorClientPINRequest) (status.StatusCode, []byte) {
	if req.KeyAgreement == nil || req.NewPinEnc == nil || req.PinHashEnc == nil || req.PinUvAuthParam == nil {
		return status.CTAP2_ERR_MISSING_PARAMETER, nil
	}
	if !a.pinSet() {
		return status.CTAP2_ERR_PIN_NOT_SET, nil
	}
	if a.pinRetries == 0 {
		return status.CTAP2_ERR_PIN_BLOCKED, nil
	}

	ka := a.keyAgreements[req.PinUvAuthProtocol]
	if ka == nil {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}
	sharedSecret, err := ka.SharedSecret(req.KeyAgreement)
	if err != nil {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}

	message := slices.Concat(req.NewPinEnc, req.PinHashEnc)
	if !pinuvauth.Verify(req.PinUvAuthProtocol, sharedSecret, message, req.PinUvAuthParam) {
		return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
	}

	if st := a.provePIN(req.PinUvAuthProtocol, ka, sharedSecret, req.PinHashEnc); st != status.CTAP2_OK {
		return st, nil
	}

	pinHash, st := a.decodeNewPIN(req.PinUvAuthProtocol, sharedSecret, req.NewPinEnc)
	if st != status.CTAP2_OK {
		return st, nil
	}

	a.pinHash = pinHash
	return status.CTAP2_OK, nil
}

func (a *Authenticator) getPinUvAuthToken(
	req *ctaptypes.AuthenticatorClientPINRequest,
	permissions ctaptypes.Permission,
	rpID mo.Option[string],
) (status.StatusCode, []byte) {
	if req.KeyAgreement == nil || req.PinHashEnc == nil {
		return status.CTAP2_ERR_MISSING_PARAMETER, nil
	}
	if !a.pinSet() {
		return status.CTAP2_ERR_PIN_NOT_SET, nil
	}
	if a.pinRetries == 0 {
		return status.CTAP2_ERR_PIN_BLOCKED, nil
	}

	ka := a.keyAgreements[req.PinUvAuthProtocol]
	token := a.token(req.PinUvAuthProtocol)
	if ka == nil || token == nil {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}
	sharedSecret, err := ka.SharedSecret(req.KeyAgreement)
	if err != nil {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}

	if st := a.provePIN(req.PinUvAuthProtocol, ka, sharedSecret, req.PinHashEnc); st != status.CTAP2_OK {
		return st, nil
	}

	if err := token.Rotate(a.random); err != nil {
		return status.CTAP1_ERR_OTHER, nil
	}
	token.BeginSession(permissions, rpID)

	tokenEnc, err := pinuvauth.Encrypt(req.PinUvAuthProtocol, sharedSecret, token.Key())
	if err != nil {
		return status.CTAP1_ERR_OTHER, nil
	}

	return a.encode(&ctaptypes.AuthenticatorClientPINResponse{PinUvAuthToken: tokenEnc})
}

// provePIN checks the encrypted PIN hash against the stored one. A mismatch
// burns a retry and rotates the key-agreement key, forcing the platform to
// renegotiate.
func (a *Authenticator) provePIN(
	number ctaptypes.PinUvAuthProtocol,
	ka *pinuvauth.KeyAgreement,
	sharedSecret []byte,
	pinHashEnc []byte,
) status.StatusCode {
	pinHash, err := pinuvauth.Decrypt(number, sharedSecret, pinHashEnc)
	if err != nil || len(pinHash) < 16 {
		return status.CTAP1_ERR_INVALID_PARAMETER
	}

	stored, err := a.currentPINHash()
	if err != nil || len(stored) < 16 {
		return status.CTAP1_ERR_OTHER
	}

	if !hmac.Equal(pinHash[:16], stored[:16]) {
		a.pinRetries--
		if err := ka.Regenerate(a.random); err != nil {
			return status.CTAP1_ERR_OTHER
		}
		if a.pinRetries == 0 {
			return status.CTAP2_ERR_PIN_BLOCKED
		}
		return status.CTAP2_ERR_PIN_INVALID
	}

	a.pinRetries = pinRetryMax
	return status.CTAP2_OK
}

// decodeNewPIN decrypts and validates a newPinEnc value, returning the
// 16-byte PIN hash to store.
func (a *Authenticator) decodeNewPIN(
	number ctaptypes.PinUvAuthProtocol,
	sharedSecret []byte,
	newPinEnc []byte,
) ([]byte, status.StatusCode) {
	padded, err := pinuvauth.Decrypt(number, sharedSecret, newPinEnc)
	if err != nil {
		return nil, status.CTAP1_ERR_INVALID_PARAMETER
	}
	if len(padded) < 64 {
		return nil, status.CTAP1_ERR_INVALID_PARAMETER
	}

	pin := bytes.TrimRight(padded[:64], "\x00")
	if len(pin) < minPINLength {
		return nil, status.CTAP2_ERR_PIN_POLICY_VIOLATION
	}
	if len(pin) > 63 {
		return nil, status.CTAP2_ERR_PIN_POLICY_VIOLATION
	}

	hash := sha256.Sum256(pin)
	return hash[:16], status.CTAP2_OK
}
