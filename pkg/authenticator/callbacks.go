package authenticator

import (
	"github.com/go-ctap/softauthn/pkg/ctaptypes"
	"github.com/go-ctap/softauthn/pkg/webauthntypes"
)

// UserPresenceResult is the outcome of a user-presence test.
type UserPresenceResult byte

const (
	UserPresenceAccepted UserPresenceResult = iota
	UserPresenceDenied
	UserPresenceTimeout
	UserPresenceCancelled
)

// UserPresenceRequest describes why the user is being prompted. RP and User
// are nil for prompts that are not tied to a specific credential operation
// (PIN probes, authenticatorSelection, reset).
type UserPresenceRequest struct {
	Command ctaptypes.Command
	RP      *webauthntypes.PublicKeyCredentialRpEntity
	User    *webauthntypes.PublicKeyCredentialUserEntity
}

// UserPresenceFunc blocks until the user reacts to the prompt or the
// transport cancels it.
type UserPresenceFunc func(req UserPresenceRequest) UserPresenceResult

// UserVerificationResult is the outcome of the built-in user-verification
// method. Retry policy is the callback's concern; the handlers only see the
// final result.
type UserVerificationResult byte

const (
	UserVerified UserVerificationResult = iota
	UserVerificationFailed
	UserVerificationBlocked
)

// UserVerificationFunc invokes the built-in user-verification method
// (e.g. a fingerprint reader). A nil callback means the authenticator has no
// built-in UV.
type UserVerificationFunc func() UserVerificationResult
