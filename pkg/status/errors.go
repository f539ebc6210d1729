package status

import (
	"errors"

	"github.com/go-ctap/softauthn/pkg/ctaptypes"
)

// CTAPError carries the command and status byte of a failed request for Go
// callers that drive the authenticator directly rather than over a transport.
type CTAPError struct {
	Command    ctaptypes.Command
	StatusCode StatusCode
}

func NewCTAPError(cmd ctaptypes.Command, code StatusCode) *CTAPError {
	return &CTAPError{
		Command:    cmd,
		StatusCode: code,
	}
}

func (e *CTAPError) Error() string {
	return e.Command.String() + " failed (" + e.StatusCode.String() + ")"
}

func (e *CTAPError) Unwrap() error {
	return errors.New(e.StatusCode.String())
}
