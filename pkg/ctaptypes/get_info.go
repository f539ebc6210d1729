package ctaptypes

import (
	"github.com/go-ctap/softauthn/pkg/webauthntypes"
	"github.com/google/uuid"
)

type AuthenticatorGetInfoResponse struct {
	Versions                 Versions                                      `cbor:"1,keyasint"`
	Extensions               []webauthntypes.ExtensionIdentifier           `cbor:"2,keyasint,omitempty"`
	AAGUID                   uuid.UUID                                     `cbor:"3,keyasint"`
	Options                  map[Option]bool                               `cbor:"4,keyasint,omitempty"`
	MaxMsgSize               uint                                          `cbor:"5,keyasint,omitempty"`
	PinUvAuthProtocols       []PinUvAuthProtocol                           `cbor:"6,keyasint,omitempty"`
	MaxCredentialCountInList uint                                          `cbor:"7,keyasint,omitempty"`
	MaxCredentialLength      uint                                          `cbor:"8,keyasint,omitempty"`
	Transports               []string                                      `cbor:"9,keyasint,omitempty"`
	Algorithms               []webauthntypes.PublicKeyCredentialParameters `cbor:"10,keyasint,omitempty"`
	MinPinLength             uint                                          `cbor:"13,keyasint,omitempty"`
	FirmwareVersion          uint                                          `cbor:"14,keyasint,omitempty"`
}
