package authenticator

import (
	"crypto/sha256"
	"io"
	"slices"

	"github.com/go-ctap/softauthn/pkg/authdata"
	"github.com/go-ctap/softauthn/pkg/credstore"
	"github.com/go-ctap/softauthn/pkg/crypto"
	"github.com/go-ctap/softauthn/pkg/ctaptypes"
	"github.com/go-ctap/softauthn/pkg/pinuvauth"
	"github.com/go-ctap/softauthn/pkg/status"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"

	"github.com/samber/lo"
)

// effectiveOptions is the flat view of the request's options map, resolved
// once so later stages never re-traverse nested optionals.
type effectiveOptions struct {
	uv bool
	rk bool
	up bool
}

// pinUvAuthParamProbe handles a present-but-empty pinUvAuthParam: the
// platform is asking whether a PIN is set and wants a touch first.
func (a *Authenticator) pinUvAuthParamProbe(cmd ctaptypes.Command) status.StatusCode {
	if a.up(UserPresenceRequest{Command: cmd}) != UserPresenceAccepted {
		return status.CTAP2_ERR_OPERATION_DENIED
	}
	if !a.pinSet() {
		return status.CTAP2_ERR_PIN_NOT_SET
	}
	return status.CTAP2_ERR_PIN_INVALID
}

// validatePinUvAuthProtocol checks the protocol accompanying a non-empty
// pinUvAuthParam against the available token slots.
func (a *Authenticator) validatePinUvAuthProtocol(provided bool, number ctaptypes.PinUvAuthProtocol) status.StatusCode {
	if !provided {
		return status.CTAP2_OK
	}
	if number == 0 {
		return status.CTAP2_ERR_MISSING_PARAMETER
	}
	if a.token(number) == nil {
		return status.CTAP1_ERR_INVALID_PARAMETER
	}
	return status.CTAP2_OK
}

func (a *Authenticator) makeCredential(req *ctaptypes.AuthenticatorMakeCredentialRequest) (status.StatusCode, []byte) {
	if len(req.ClientDataHash) != 32 {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}

	// pinUvAuthParam parameter validation
	if req.PinUvAuthParamProvided() && len(req.PinUvAuthParam) == 0 {
		return a.pinUvAuthParamProbe(ctaptypes.AuthenticatorMakeCredential), nil
	}
	if st := a.validatePinUvAuthProtocol(req.PinUvAuthParamProvided(), req.PinUvAuthProtocol); st != status.CTAP2_OK {
		return st, nil
	}

	// algorithm negotiation: first requested algorithm we support, platform
	// preference order preserved
	chosen, found := lo.Find(req.PubKeyCredParams, func(p webauthntypes.PublicKeyCredentialParameters) bool {
		return p.Type == webauthntypes.PublicKeyCredentialTypePublicKey &&
			crypto.Supported(a.algorithms, p.Algorithm)
	})
	if !found {
		return status.CTAP2_ERR_UNSUPPORTED_ALGORITHM, nil
	}

	uvResponse := false
	upResponse := false

	// options parsing
	eo := effectiveOptions{up: true}
	if v, ok := req.Options[ctaptypes.OptionUserVerification]; ok {
		eo.uv = v
	}
	if req.PinUvAuthParamProvided() {
		// authorization comes from the token, not from built-in UV
		eo.uv = false
	}
	if eo.uv && !a.uvSupported() {
		return status.CTAP2_ERR_INVALID_OPTION, nil
	}
	if v, ok := req.Options[ctaptypes.OptionResidentKeys]; ok {
		eo.rk = v
	}
	if eo.rk && a.store == nil {
		return status.CTAP2_ERR_INVALID_OPTION, nil
	}
	if v, ok := req.Options[ctaptypes.OptionUserPresence]; ok && !v {
		// user presence is mandatory for credential creation
		return status.CTAP2_ERR_INVALID_OPTION, nil
	}

	// alwaysUv
	makeCredUvNotRqd := a.makeCredUvNotRqd
	if a.alwaysUv {
		makeCredUvNotRqd = false

		if !a.uvSupported() && !req.PinUvAuthParamProvided() && !a.pinSet() {
			// no UV method and no token can exist without a PIN
			return status.CTAP2_ERR_OPERATION_DENIED, nil
		}
		if !req.PinUvAuthParamProvided() && a.uvSupported() {
			eo.uv = true
		}
		if !eo.uv && !req.PinUvAuthParamProvided() {
			if a.noMcGaPermissionsWithClientPin && a.pinSet() {
				return status.CTAP2_ERR_OPERATION_DENIED, nil
			}
			return status.CTAP2_ERR_PUAT_REQUIRED, nil
		}
	}

	// makeCredUvNotRqd: a protected authenticator (PIN set or built-in UV
	// available) demands authentication for discoverable creation always, and
	// for non-discoverable creation unless the option waives it
	if !eo.uv && !req.PinUvAuthParamProvided() && (a.pinSet() || a.uvSupported()) {
		if !makeCredUvNotRqd || eo.rk {
			if a.noMcGaPermissionsWithClientPin {
				return status.CTAP2_ERR_OPERATION_DENIED, nil
			}
			return status.CTAP2_ERR_PUAT_REQUIRED, nil
		}
	}

	// enterprise attestation is not supported
	if req.EnterpriseAttestation != 0 {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}

	skipAuth := !eo.rk && !eo.uv && makeCredUvNotRqd && !req.PinUvAuthParamProvided()

	// user verification
	var token *pinuvauth.Token
	if !skipAuth {
		switch {
		case req.PinUvAuthParamProvided():
			token = a.token(req.PinUvAuthProtocol)
			if !token.Verify(req.ClientDataHash, req.PinUvAuthParam) {
				return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
			}
			if !token.HasPermission(ctaptypes.PermissionMakeCredential) {
				return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
			}
			if rpID, bound := token.RPID().Get(); bound && rpID != req.RP.ID {
				return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
			}
			if !token.GetUserVerifiedFlagValue() {
				return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
			}

			uvResponse = true
			token.BindRPID(req.RP.ID)

		case eo.uv:
			if a.uv() != UserVerified {
				return status.CTAP2_ERR_UV_INVALID, nil
			}
			uvResponse = true

		default:
			return status.CTAP1_ERR_OTHER, nil
		}
	}

	// excludeList: a credential protected by userVerificationRequired is
	// invisible unless this request performed UV
	now := a.clock()
	for _, desc := range req.ExcludeList {
		entry, ok := a.store.GetEntry(desc.ID)
		if !ok {
			continue
		}
		if rpID, ok := entry.GetField(credstore.FieldRPID, now); !ok || string(rpID) != req.RP.ID {
			continue
		}

		policy := ctaptypes.UserVerificationOptional
		if p, ok := entry.GetField(credstore.FieldPolicy, now); ok && len(p) == 1 {
			policy = ctaptypes.CredentialProtectionPolicy(p[0])
		}
		if policy == ctaptypes.UserVerificationRequired && !uvResponse {
			continue
		}

		upDone := upResponse || (token != nil && token.GetUserPresentFlagValue())
		if !upDone {
			a.up(UserPresenceRequest{
				Command: ctaptypes.AuthenticatorMakeCredential,
				RP:      &req.RP,
				User:    &req.User,
			})
		}
		return status.CTAP2_ERR_CREDENTIAL_EXCLUDED, nil
	}

	// user presence
	if eo.up {
		if !upResponse && (token == nil || !token.GetUserPresentFlagValue()) {
			if a.up(UserPresenceRequest{
				Command: ctaptypes.AuthenticatorMakeCredential,
				RP:      &req.RP,
				User:    &req.User,
			}) != UserPresenceAccepted {
				return status.CTAP2_ERR_OPERATION_DENIED, nil
			}
		}
		upResponse = true

		if token != nil {
			token.ClearUserPresentFlag()
			token.ClearUserVerifiedFlag()
			token.ClearPermissionsExceptLbw()
		}
	}

	// extensions
	credentialID := make([]byte, 32)
	if _, err := io.ReadFull(a.random, credentialID); err != nil {
		a.logger.Error("cannot generate credential id", "err", err)
		return status.CTAP1_ERR_OTHER, nil
	}

	entry := a.store.CreateEntry(credentialID)
	committed := false
	defer func() {
		if !committed {
			entry.Release()
		}
	}()

	responseExtensions := make(map[string]any)
	if policy, ok := req.CredProtect(); ok {
		entry.AddField(credstore.FieldPolicy, []byte{byte(policy)}, now)
		responseExtensions[string(webauthntypes.ExtensionIdentifierCredentialProtection)] = uint8(policy)
	}
	if req.HMACSecretCreate() {
		seeds := make([]byte, 64)
		if _, err := io.ReadFull(a.random, seeds); err != nil {
			a.logger.Error("cannot generate hmac-secret seeds", "err", err)
			return status.CTAP1_ERR_OTHER, nil
		}
		entry.AddField(credstore.FieldCredRandomWithUV, seeds[:32], now)
		entry.AddField(credstore.FieldCredRandomWithoutUV, seeds[32:], now)
		responseExtensions[string(webauthntypes.ExtensionIdentifierHMACSecret)] = true
	}

	// credential creation
	privateKey, publicKey, err := crypto.CreateKey(chosen.Algorithm)
	if err != nil {
		a.logger.Error("cannot create credential key", "err", err)
		return status.CTAP1_ERR_OTHER, nil
	}
	defer crypto.Zeroize(privateKey)

	entry.AddField(credstore.FieldRPID, []byte(req.RP.ID), now)
	entry.AddField(credstore.FieldUserID, req.User.ID, now)
	// the entry owns its copy; the temporary is erased once the handler returns
	entry.AddField(credstore.FieldPrivateKey, slices.Clone(privateKey), now)
	entry.SetAlgorithm(chosen.Algorithm, now)
	entry.UsageCount = 1

	// storage
	if err := a.store.AddEntry(entry); err != nil {
		return status.CTAP2_ERR_KEY_STORE_FULL, nil
	}
	if err := a.store.Persist(); err != nil {
		a.logger.Error("persist failed", "err", err)
		return status.CTAP1_ERR_OTHER, nil
	}
	committed = true

	// attestation
	var extensions []byte
	if len(responseExtensions) > 0 {
		extensions, err = a.encMode.Marshal(responseExtensions)
		if err != nil {
			a.logger.Error("cannot marshal extensions", "err", err)
			return status.CTAP1_ERR_OTHER, nil
		}
	}

	rpIDHash := sha256.Sum256([]byte(req.RP.ID))
	flags := authdata.FlagAttestedCredentialDataIncluded
	if upResponse {
		flags |= authdata.FlagUserPresent
	}
	if uvResponse {
		flags |= authdata.FlagUserVerified
	}
	if len(extensions) > 0 {
		flags |= authdata.FlagExtensionDataIncluded
	}

	authDataBytes, err := authdata.Marshal(&authdata.T{
		RPIDHash:  rpIDHash[:],
		Flags:     flags,
		SignCount: 0,
		AttestedCredentialData: &authdata.AttestedCredentialData{
			AAGUID:              a.aaguid,
			CredentialID:        credentialID,
			CredentialPublicKey: publicKey,
		},
		Extensions: extensions,
	})
	if err != nil {
		a.logger.Error("cannot marshal authenticator data", "err", err)
		return status.CTAP1_ERR_OTHER, nil
	}

	attStmt := map[string]any{}
	if a.attestationType == AttestationTypeSelf {
		sig, err := crypto.Sign(chosen.Algorithm, privateKey, authDataBytes, req.ClientDataHash)
		if err != nil {
			a.logger.Error("cannot sign attestation", "err", err)
			return status.CTAP1_ERR_OTHER, nil
		}
		attStmt["alg"] = int64(chosen.Algorithm)
		attStmt["sig"] = sig
	}

	return a.encode(&ctaptypes.AuthenticatorMakeCredentialResponse{
		Format:               webauthntypes.AttestationStatementFormatIdentifierPacked,
		AuthData:             authDataBytes,
		AttestationStatement: attStmt,
	})
}
