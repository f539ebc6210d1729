package authenticator

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/go-ctap/softauthn/pkg/authdata"
	"github.com/go-ctap/softauthn/pkg/credstore"
	"github.com/go-ctap/softauthn/pkg/crypto"
	"github.com/go-ctap/softauthn/pkg/ctaptypes"
	"github.com/go-ctap/softauthn/pkg/pinuvauth"
	"github.com/go-ctap/softauthn/pkg/status"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"
)

// assertionState is the continuation primed by GetAssertion when more than
// one credential matches; GetNextAssertion consumes it until it runs dry or
// expires.
type assertionState struct {
	issuedAt       uint64
	clientDataHash []byte
	rpIDHash       []byte
	uv             bool
	remaining      [][]byte
}

func (a *Authenticator) getAssertion(req *ctaptypes.AuthenticatorGetAssertionRequest) (status.StatusCode, []byte) {
	a.pending = nil

	if len(req.ClientDataHash) != 32 {
		return status.CTAP1_ERR_INVALID_PARAMETER, nil
	}

	// pinUvAuthParam parameter validation
	if req.PinUvAuthParamProvided() && len(req.PinUvAuthParam) == 0 {
		return a.pinUvAuthParamProbe(ctaptypes.AuthenticatorGetAssertion), nil
	}
	if st := a.validatePinUvAuthProtocol(req.PinUvAuthParamProvided(), req.PinUvAuthProtocol); st != status.CTAP2_OK {
		return st, nil
	}

	uvResponse := false
	upResponse := false

	// options parsing; rk has no meaning on assertions
	if _, ok := req.Options[ctaptypes.OptionResidentKeys]; ok {
		return status.CTAP2_ERR_UNSUPPORTED_OPTION, nil
	}
	eo := effectiveOptions{up: true}
	if v, ok := req.Options[ctaptypes.OptionUserVerification]; ok {
		eo.uv = v
	}
	if req.PinUvAuthParamProvided() {
		eo.uv = false
	}
	if eo.uv && !a.uvSupported() {
		return status.CTAP2_ERR_INVALID_OPTION, nil
	}
	if v, ok := req.Options[ctaptypes.OptionUserPresence]; ok {
		eo.up = v
	}

	// alwaysUv
	if a.alwaysUv && !eo.uv && !req.PinUvAuthParamProvided() {
		if a.uvSupported() {
			eo.uv = true
		} else {
			if a.noMcGaPermissionsWithClientPin && a.pinSet() {
				return status.CTAP2_ERR_OPERATION_DENIED, nil
			}
			return status.CTAP2_ERR_PUAT_REQUIRED, nil
		}
	}

	// user verification
	var token *pinuvauth.Token
	if req.PinUvAuthParamProvided() {
		token = a.token(req.PinUvAuthProtocol)
		if !token.Verify(req.ClientDataHash, req.PinUvAuthParam) {
			return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
		}
		if !token.HasPermission(ctaptypes.PermissionGetAssertion) {
			return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
		}
		if rpID, bound := token.RPID().Get(); bound && rpID != req.RPID {
			return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
		}
		if !token.GetUserVerifiedFlagValue() {
			return status.CTAP2_ERR_PIN_AUTH_INVALID, nil
		}

		uvResponse = true
		token.BindRPID(req.RPID)
	} else if eo.uv {
		if a.uv() != UserVerified {
			return status.CTAP2_ERR_UV_INVALID, nil
		}
		uvResponse = true
	}

	// candidate gathering and per-credential policy
	now := a.clock()
	var candidates []*credstore.Entry
	if len(req.AllowList) > 0 {
		seen := make(map[string]bool)
		for _, desc := range req.AllowList {
			if seen[string(desc.ID)] {
				continue
			}
			seen[string(desc.ID)] = true

			entry, ok := a.store.GetEntry(desc.ID)
			if !ok {
				continue
			}
			if rpID, ok := entry.GetField(credstore.FieldRPID, now); !ok || string(rpID) != req.RPID {
				continue
			}
			candidates = append(candidates, entry)
		}
	} else {
		for entry := range a.store.Entries() {
			if rpID, ok := entry.GetField(credstore.FieldRPID, now); ok && string(rpID) == req.RPID {
				candidates = append(candidates, entry)
			}
		}
	}

	visible := candidates[:0]
	for _, entry := range candidates {
		policy := ctaptypes.UserVerificationOptional
		if p, ok := entry.GetField(credstore.FieldPolicy, now); ok && len(p) == 1 {
			policy = ctaptypes.CredentialProtectionPolicy(p[0])
		}

		switch policy {
		case ctaptypes.UserVerificationRequired:
			if !uvResponse {
				continue
			}
		case ctaptypes.UserVerificationOptionalWithCredentialIDList:
			if len(req.AllowList) == 0 && !uvResponse {
				continue
			}
		}
		visible = append(visible, entry)
	}
	if len(visible) == 0 {
		return status.CTAP2_ERR_NO_CREDENTIALS, nil
	}

	// user presence
	if eo.up {
		if !upResponse && (token == nil || !token.GetUserPresentFlagValue()) {
			rp := webauthntypes.PublicKeyCredentialRpEntity{ID: req.RPID}
			if a.up(UserPresenceRequest{
				Command: ctaptypes.AuthenticatorGetAssertion,
				RP:      &rp,
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

	// extension processing happens on the first assertion only
	var extensions []byte
	if input, ok := req.HMACSecret(); ok {
		ext, st := a.hmacSecretAssertion(input, visible[0], uvResponse, now)
		if st != status.CTAP2_OK {
			return st, nil
		}
		extensions = ext
	}

	rpIDHash := sha256.Sum256([]byte(req.RPID))

	if len(visible) > 1 {
		remaining := make([][]byte, 0, len(visible)-1)
		for _, entry := range visible[1:] {
			remaining = append(remaining, entry.ID)
		}
		a.pending = &assertionState{
			issuedAt:       now,
			clientDataHash: req.ClientDataHash,
			rpIDHash:       rpIDHash[:],
			uv:             uvResponse,
			remaining:      remaining,
		}
	}

	return a.assert(visible[0], rpIDHash[:], req.ClientDataHash, upResponse, uvResponse, extensions, uint(len(visible)), now)
}

func (a *Authenticator) getNextAssertion() (status.StatusCode, []byte) {
	state := a.pending
	if state == nil || len(state.remaining) == 0 {
		return status.CTAP2_ERR_NOT_ALLOWED, nil
	}

	now := a.clock()
	if now-state.issuedAt > assertionStateLifetimeMillis {
		a.pending = nil
		return status.CTAP2_ERR_NOT_ALLOWED, nil
	}

	entry, ok := a.store.GetEntry(state.remaining[0])
	state.remaining = state.remaining[1:]
	if len(state.remaining) == 0 {
		a.pending = nil
	}
	if !ok {
		return status.CTAP2_ERR_NO_CREDENTIALS, nil
	}

	return a.assert(entry, state.rpIDHash, state.clientDataHash, false, state.uv, nil, 0, now)
}

// assert produces one assertion for entry: bumps the usage counter, persists,
// builds authenticator data, and signs authData || clientDataHash.
func (a *Authenticator) assert(
	entry *credstore.Entry,
	rpIDHash []byte,
	clientDataHash []byte,
	up bool,
	uv bool,
	extensions []byte,
	numberOfCredentials uint,
	now uint64,
) (status.StatusCode, []byte) {
	alg, ok := entry.Algorithm(now)
	if !ok {
		return status.CTAP1_ERR_OTHER, nil
	}
	privateKey, ok := entry.GetField(credstore.FieldPrivateKey, now)
	if !ok {
		return status.CTAP1_ERR_OTHER, nil
	}

	entry.UsageCount++
	if err := a.store.Persist(); err != nil {
		a.logger.Error("persist failed", "err", err)
		return status.CTAP1_ERR_OTHER, nil
	}

	flags := authdata.Flag(0)
	if up {
		flags |= authdata.FlagUserPresent
	}
	if uv {
		flags |= authdata.FlagUserVerified
	}
	if len(extensions) > 0 {
		flags |= authdata.FlagExtensionDataIncluded
	}

	authDataBytes, err := authdata.Marshal(&authdata.T{
		RPIDHash:   rpIDHash,
		Flags:      flags,
		SignCount:  entry.UsageCount,
		Extensions: extensions,
	})
	if err != nil {
		a.logger.Error("cannot marshal authenticator data", "err", err)
		return status.CTAP1_ERR_OTHER, nil
	}

	sig, err := crypto.Sign(alg, privateKey, authDataBytes, clientDataHash)
	if err != nil {
		a.logger.Error("cannot sign assertion", "err", err)
		return status.CTAP1_ERR_OTHER, nil
	}

	resp := &ctaptypes.AuthenticatorGetAssertionResponse{
		Credential: webauthntypes.PublicKeyCredentialDescriptor{
			Type: webauthntypes.PublicKeyCredentialTypePublicKey,
			ID:   entry.ID,
		},
		AuthData:  authDataBytes,
		Signature: sig,
	}
	if numberOfCredentials > 1 {
		resp.NumberOfCredentials = numberOfCredentials
	}
	if uv {
		if userID, ok := entry.GetField(credstore.FieldUserID, now); ok {
			resp.User = &webauthntypes.PublicKeyCredentialUserEntity{ID: userID}
		}
	}

	return a.encode(resp)
}

// hmacSecretAssertion derives the hmac-secret extension output for one
// credential: verify the salt MAC, decrypt one or two 32-byte salts, HMAC
// them with the credential's seed matching the achieved UV state, and encrypt
// the outputs back to the platform.
func (a *Authenticator) hmacSecretAssertion(
	input *ctaptypes.HMACSecretInput,
	entry *credstore.Entry,
	uv bool,
	now uint64,
) ([]byte, status.StatusCode) {
	number := input.PinUvAuthProtocol
	if number == 0 {
		number = ctaptypes.PinUvAuthProtocolOne
	}
	ka := a.keyAgreements[number]
	if ka == nil {
		return nil, status.CTAP1_ERR_INVALID_PARAMETER
	}

	sharedSecret, err := ka.SharedSecret(input.KeyAgreement)
	if err != nil {
		return nil, status.CTAP1_ERR_INVALID_PARAMETER
	}
	if !pinuvauth.Verify(number, sharedSecret, input.SaltEnc, input.SaltAuth) {
		return nil, status.CTAP2_ERR_PIN_AUTH_INVALID
	}

	salts, err := pinuvauth.Decrypt(number, sharedSecret, input.SaltEnc)
	if err != nil {
		return nil, status.CTAP1_ERR_INVALID_PARAMETER
	}
	if len(salts) != 32 && len(salts) != 64 {
		return nil, status.CTAP1_ERR_INVALID_PARAMETER
	}

	seedField := credstore.FieldCredRandomWithoutUV
	if uv {
		seedField = credstore.FieldCredRandomWithUV
	}
	seed, ok := entry.GetField(seedField, now)
	if !ok {
		// the credential was created without hmac-secret; no output
		return nil, status.CTAP2_OK
	}

	outputs := make([]byte, 0, len(salts))
	for off := 0; off < len(salts); off += 32 {
		mac := hmac.New(sha256.New, seed)
		mac.Write(salts[off : off+32])
		outputs = mac.Sum(outputs)
	}

	outputsEnc, err := pinuvauth.Encrypt(number, sharedSecret, outputs)
	if err != nil {
		return nil, status.CTAP1_ERR_OTHER
	}

	ext, err := a.encMode.Marshal(map[string]any{
		string(webauthntypes.ExtensionIdentifierHMACSecret): outputsEnc,
	})
	if err != nil {
		return nil, status.CTAP1_ERR_OTHER
	}

	return ext, status.CTAP2_OK
}
