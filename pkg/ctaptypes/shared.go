package ctaptypes

type (
	Version           string
	Versions          []Version
	PinUvAuthProtocol uint
)

const (
	FIDO_2_0     Version = "FIDO_2_0"
	FIDO_2_1_PRE Version = "FIDO_2_1_PRE"
	FIDO_2_1     Version = "FIDO_2_1"
)

const (
	PinUvAuthProtocolOne PinUvAuthProtocol = iota + 1
	PinUvAuthProtocolTwo
)

func (vv Versions) Supports(ver Version) bool {
	for _, v := range vv {
		if v == ver {
			return true
		}
	}

	return false
}

// CredentialProtectionPolicy is the credProtect extension value as it appears
// on the CTAP wire (the integer form, not the WebAuthn string form).
type CredentialProtectionPolicy uint8

const (
	UserVerificationOptional CredentialProtectionPolicy = iota + 1
	UserVerificationOptionalWithCredentialIDList
	UserVerificationRequired
)
