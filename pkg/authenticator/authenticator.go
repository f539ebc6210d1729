// Package authenticator implements the CTAP2 request-processing core: the
// command dispatcher and the MakeCredential/GetAssertion policy machines,
// together with the ClientPIN, GetInfo, Reset, and Selection surfaces they
// interact with.
package authenticator

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-ctap/softauthn/pkg/credstore"
	"github.com/go-ctap/softauthn/pkg/ctaptypes"
	"github.com/go-ctap/softauthn/pkg/pinuvauth"
	"github.com/go-ctap/softauthn/pkg/status"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ldclabs/cose/key"
)

const (
	maxMsgSize   = 1200
	minPINLength = 4
	pinRetryMax  = 8

	// How long a GetAssertion continuation stays consumable.
	assertionStateLifetimeMillis = 30_000
)

// Authenticator is one logical CTAP2 authenticator. It processes exactly one
// command at a time; the transport serializes requests.
type Authenticator struct {
	logger  *slog.Logger
	encMode cbor.EncMode
	random  io.Reader
	clock   func() uint64

	aaguid          uuid.UUID
	algorithms      []key.Alg
	attestationType AttestationType

	alwaysUv                       bool
	makeCredUvNotRqd               bool
	noMcGaPermissionsWithClientPin bool

	up          UserPresenceFunc
	uv          UserVerificationFunc
	store       credstore.Store
	loadPINHash func() ([]byte, error)

	tokens        map[ctaptypes.PinUvAuthProtocol]*pinuvauth.Token
	keyAgreements map[ctaptypes.PinUvAuthProtocol]*pinuvauth.KeyAgreement

	pinHash    []byte
	pinRetries uint

	pending *assertionState
}

// New boots an authenticator: both pinUvAuthToken slots and key-agreement
// keys are generated up front, the way a device does at power-up.
func New(opts ...Option) (*Authenticator, error) {
	oo := NewOptions(opts...)

	a := &Authenticator{
		logger:                         oo.Logger,
		encMode:                        oo.EncMode,
		random:                         oo.Random,
		clock:                          oo.Clock,
		aaguid:                         oo.AAGUID,
		algorithms:                     oo.Algorithms,
		attestationType:                oo.AttestationType,
		alwaysUv:                       oo.AlwaysUv,
		makeCredUvNotRqd:               oo.MakeCredUvNotRqd,
		noMcGaPermissionsWithClientPin: oo.NoMcGaPermissionsWithClientPin,
		up:                             oo.UserPresence,
		uv:                             oo.UserVerification,
		store:                          oo.Store,
		loadPINHash:                    oo.LoadPINHash,
		pinRetries:                     pinRetryMax,
		tokens:                         make(map[ctaptypes.PinUvAuthProtocol]*pinuvauth.Token),
		keyAgreements:                  make(map[ctaptypes.PinUvAuthProtocol]*pinuvauth.KeyAgreement),
	}

	for _, number := range []ctaptypes.PinUvAuthProtocol{
		ctaptypes.PinUvAuthProtocolOne,
		ctaptypes.PinUvAuthProtocolTwo,
	} {
		token, err := pinuvauth.NewToken(number, a.random)
		if err != nil {
			return nil, err
		}
		a.tokens[number] = token

		ka, err := pinuvauth.NewKeyAgreement(number, a.random)
		if err != nil {
			return nil, err
		}
		a.keyAgreements[number] = ka
	}

	return a, nil
}

// HandleMessage processes one wire message (command byte + CBOR parameters)
// and returns the response message (status byte, then CBOR on success).
func (a *Authenticator) HandleMessage(raw []byte) []byte {
	if len(raw) < 1 {
		return []byte{byte(status.CTAP1_ERR_INVALID_LENGTH)}
	}
	if len(raw) > maxMsgSize {
		return []byte{byte(status.CTAP2_ERR_REQUEST_TOO_LARGE)}
	}

	st, resp := a.HandleCommand(ctaptypes.Command(raw[0]), raw[1:])
	if st != status.CTAP2_OK {
		return []byte{byte(st)}
	}

	out := make([]byte, len(resp)+1)
	out[0] = byte(st)
	copy(out[1:], resp)
	return out
}

// HandleCommand dispatches a decoded command. On any status other than
// CTAP2_OK the returned payload is nil.
func (a *Authenticator) HandleCommand(cmd ctaptypes.Command, data []byte) (status.StatusCode, []byte) {
	a.logger.Debug("request", "command", cmd.String(), "hex", hex.EncodeToString(data))

	st, resp := a.dispatch(cmd, data)
	if st != status.CTAP2_OK {
		a.logger.Debug("response", "command", cmd.String(), "status", st.String())
		return st, nil
	}

	a.logger.Debug("response", "command", cmd.String(), "status", st.String(), "hex", hex.EncodeToString(resp))
	return st, resp
}

func (a *Authenticator) dispatch(cmd ctaptypes.Command, data []byte) (status.StatusCode, []byte) {
	switch cmd {
	case ctaptypes.AuthenticatorMakeCredential:
		var req ctaptypes.AuthenticatorMakeCredentialRequest
		if err := cbor.Unmarshal(data, &req); err != nil {
			return status.CTAP2_ERR_INVALID_CBOR, nil
		}
		return a.makeCredential(&req)

	case ctaptypes.AuthenticatorGetAssertion:
		var req ctaptypes.AuthenticatorGetAssertionRequest
		if err := cbor.Unmarshal(data, &req); err != nil {
			return status.CTAP2_ERR_INVALID_CBOR, nil
		}
		return a.getAssertion(&req)

	case ctaptypes.AuthenticatorGetNextAssertion:
		return a.getNextAssertion()

	case ctaptypes.AuthenticatorGetInfo:
		return a.getInfo()

	case ctaptypes.AuthenticatorClientPIN:
		var req ctaptypes.AuthenticatorClientPINRequest
		if err := cbor.Unmarshal(data, &req); err != nil {
			return status.CTAP2_ERR_INVALID_CBOR, nil
		}
		return a.clientPIN(&req)

	case ctaptypes.AuthenticatorReset:
		return a.reset()

	case ctaptypes.AuthenticatorSelection:
		return a.selection()

	default:
		return status.CTAP1_ERR_INVALID_COMMAND, nil
	}
}

// Do runs a command and wraps non-OK statuses into a *status.CTAPError, for
// Go callers driving the authenticator without a transport.
func (a *Authenticator) Do(cmd ctaptypes.Command, data []byte) ([]byte, error) {
	st, resp := a.HandleCommand(cmd, data)
	if st != status.CTAP2_OK {
		return nil, status.NewCTAPError(cmd, st)
	}
	return resp, nil
}

func (a *Authenticator) getInfo() (status.StatusCode, []byte) {
	options := map[ctaptypes.Option]bool{
		ctaptypes.OptionResidentKeys:                   true,
		ctaptypes.OptionUserPresence:                   true,
		ctaptypes.OptionClientPIN:                      a.pinSet(),
		ctaptypes.OptionPinUvAuthToken:                 true,
		ctaptypes.OptionMakeCredentialUvNotRequired:    a.makeCredUvNotRqd,
		ctaptypes.OptionAlwaysUv:                       a.alwaysUv,
		ctaptypes.OptionNoMcGaPermissionsWithClientPin: a.noMcGaPermissionsWithClientPin,
	}
	if a.uvSupported() {
		options[ctaptypes.OptionUserVerification] = true
	}

	algorithms := make([]webauthntypes.PublicKeyCredentialParameters, 0, len(a.algorithms))
	for _, alg := range a.algorithms {
		algorithms = append(algorithms, webauthntypes.PublicKeyCredentialParameters{
			Type:      webauthntypes.PublicKeyCredentialTypePublicKey,
			Algorithm: alg,
		})
	}

	resp := &ctaptypes.AuthenticatorGetInfoResponse{
		Versions: ctaptypes.Versions{ctaptypes.FIDO_2_0, ctaptypes.FIDO_2_1},
		Extensions: []webauthntypes.ExtensionIdentifier{
			webauthntypes.ExtensionIdentifierCredentialProtection,
			webauthntypes.ExtensionIdentifierHMACSecret,
		},
		AAGUID:                   a.aaguid,
		Options:                  options,
		MaxMsgSize:               maxMsgSize,
		PinUvAuthProtocols:       []ctaptypes.PinUvAuthProtocol{ctaptypes.PinUvAuthProtocolTwo, ctaptypes.PinUvAuthProtocolOne},
		MaxCredentialCountInList: 8,
		MaxCredentialLength:      128,
		Transports:               []string{"usb"},
		Algorithms:               algorithms,
		MinPinLength:             minPINLength,
		FirmwareVersion:          1,
	}

	return a.encode(resp)
}

func (a *Authenticator) reset() (status.StatusCode, []byte) {
	if a.up(UserPresenceRequest{Command: ctaptypes.AuthenticatorReset}) != UserPresenceAccepted {
		return status.CTAP2_ERR_OPERATION_DENIED, nil
	}

	if wiper, ok := a.store.(credstore.Wiper); ok {
		if err := wiper.Wipe(); err != nil {
			a.logger.Error("store wipe failed", "err", err)
			return status.CTAP1_ERR_OTHER, nil
		}
	}

	a.pinHash = nil
	a.pinRetries = pinRetryMax
	a.pending = nil

	for _, token := range a.tokens {
		if err := token.Rotate(a.random); err != nil {
			return status.CTAP1_ERR_OTHER, nil
		}
	}
	for _, ka := range a.keyAgreements {
		if err := ka.Regenerate(a.random); err != nil {
			return status.CTAP1_ERR_OTHER, nil
		}
	}

	return status.CTAP2_OK, nil
}

func (a *Authenticator) selection() (status.StatusCode, []byte) {
	switch a.up(UserPresenceRequest{Command: ctaptypes.AuthenticatorSelection}) {
	case UserPresenceAccepted:
		return status.CTAP2_OK, nil
	case UserPresenceTimeout:
		return status.CTAP2_ERR_USER_ACTION_TIMEOUT, nil
	default:
		return status.CTAP2_ERR_OPERATION_DENIED, nil
	}
}

func (a *Authenticator) encode(v any) (status.StatusCode, []byte) {
	b, err := a.encMode.Marshal(v)
	if err != nil {
		a.logger.Error("cannot marshal CBOR response", "err", err)
		return status.CTAP1_ERR_OTHER, nil
	}
	return status.CTAP2_OK, b
}

func (a *Authenticator) uvSupported() bool {
	return a.uv != nil
}

func (a *Authenticator) pinSet() bool {
	if a.loadPINHash != nil {
		h, err := a.loadPINHash()
		return err == nil && len(h) > 0
	}
	return len(a.pinHash) > 0
}

func (a *Authenticator) currentPINHash() ([]byte, error) {
	if a.loadPINHash != nil {
		return a.loadPINHash()
	}
	if len(a.pinHash) == 0 {
		return nil, fmt.Errorf("authenticator: no PIN set")
	}
	return a.pinHash, nil
}

// token returns the slot for a protocol number, or nil for an unknown one.
func (a *Authenticator) token(number ctaptypes.PinUvAuthProtocol) *pinuvauth.Token {
	return a.tokens[number]
}
