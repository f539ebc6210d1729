package ctaptypes

import "fmt"

type Command byte

const (
	AuthenticatorMakeCredential   Command = 0x01
	AuthenticatorGetAssertion     Command = 0x02
	AuthenticatorGetInfo          Command = 0x04
	AuthenticatorClientPIN        Command = 0x06
	AuthenticatorReset            Command = 0x07
	AuthenticatorGetNextAssertion Command = 0x08
	AuthenticatorSelection        Command = 0x0b
)

var commandNames = map[Command]string{
	AuthenticatorMakeCredential:   "AuthenticatorMakeCredential",
	AuthenticatorGetAssertion:     "AuthenticatorGetAssertion",
	AuthenticatorGetInfo:          "AuthenticatorGetInfo",
	AuthenticatorClientPIN:        "AuthenticatorClientPIN",
	AuthenticatorReset:            "AuthenticatorReset",
	AuthenticatorGetNextAssertion: "AuthenticatorGetNextAssertion",
	AuthenticatorSelection:        "AuthenticatorSelection",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02x)", byte(c))
}

type ClientPINSubCommand byte

const (
	ClientPINSubCommandGetPINRetries ClientPINSubCommand = iota + 1
	ClientPINSubCommandGetKeyAgreement
	ClientPINSubCommandSetPIN
	ClientPINSubCommandChangePIN
	ClientPINSubCommandGetPinToken
	ClientPINSubCommandGetPinUvAuthTokenUsingUvWithPermissions
	ClientPINSubCommandGetUVRetries
	_
	ClientPINSubCommandGetPinUvAuthTokenUsingPinWithPermissions
)

type Option string

const (
	OptionPlatformDevice                 Option = "plat"
	OptionResidentKeys                   Option = "rk"
	OptionClientPIN                      Option = "clientPin"
	OptionUserPresence                   Option = "up"
	OptionUserVerification               Option = "uv"
	OptionPinUvAuthToken                 Option = "pinUvAuthToken"
	OptionNoMcGaPermissionsWithClientPin Option = "noMcGaPermissionsWithClientPin"
	OptionMakeCredentialUvNotRequired    Option = "makeCredUvNotRqd"
	OptionAlwaysUv                       Option = "alwaysUv"
)

type Permission byte

const (
	PermissionNone                       Permission = 0x00
	PermissionMakeCredential             Permission = 0x01
	PermissionGetAssertion               Permission = 0x02
	PermissionCredentialManagement       Permission = 0x04
	PermissionBioEnrollment              Permission = 0x08
	PermissionLargeBlobWrite             Permission = 0x10
	PermissionAuthenticatorConfiguration Permission = 0x20
)
