// Package authdata implements the binary authenticator-data structure shared
// by attestation objects and assertions.
// https://www.w3.org/TR/webauthn-3/#sctn-authenticator-data
package authdata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ldclabs/cose/key"
)

type Flag byte

const (
	FlagUserPresent Flag = 1 << iota
	_
	FlagUserVerified
	_
	_
	_
	FlagAttestedCredentialDataIncluded
	FlagExtensionDataIncluded
)

func (f Flag) UserPresent() bool {
	return f&FlagUserPresent != 0
}
func (f Flag) UserVerified() bool {
	return f&FlagUserVerified != 0
}
func (f Flag) AttestedCredentialDataIncluded() bool {
	return f&FlagAttestedCredentialDataIncluded != 0
}
func (f Flag) ExtensionDataIncluded() bool {
	return f&FlagExtensionDataIncluded != 0
}

// AttestedCredentialData carries the new credential on MakeCredential.
type AttestedCredentialData struct {
	AAGUID              uuid.UUID
	CredentialID        []byte
	CredentialPublicKey key.Key
}

// T is one authenticator-data record. Extensions holds the CBOR-encoded
// extensions map verbatim; it is appended (and parsed) only when the ed flag
// is set.
type T struct {
	RPIDHash               []byte
	Flags                  Flag
	SignCount              uint32
	AttestedCredentialData *AttestedCredentialData
	Extensions             []byte
}

var ErrInvalidAuthData = errors.New("authdata: truncated or malformed authenticator data")

// Marshal serializes t into the fixed wire layout:
// rpIdHash (32) || flags (1) || signCount (4, BE) || attestedCredentialData? || extensions?
func Marshal(t *T) ([]byte, error) {
	if len(t.RPIDHash) != 32 {
		return nil, fmt.Errorf("authdata: rpIdHash must be 32 bytes, got %d", len(t.RPIDHash))
	}

	buf := new(bytes.Buffer)
	buf.Write(t.RPIDHash)
	buf.WriteByte(byte(t.Flags))
	_ = binary.Write(buf, binary.BigEndian, t.SignCount)

	if t.Flags.AttestedCredentialDataIncluded() {
		acd := t.AttestedCredentialData
		if acd == nil {
			return nil, errors.New("authdata: at flag set without attested credential data")
		}

		buf.Write(acd.AAGUID[:])
		_ = binary.Write(buf, binary.BigEndian, uint16(len(acd.CredentialID)))
		buf.Write(acd.CredentialID)

		pub, err := cbor.Marshal(acd.CredentialPublicKey)
		if err != nil {
			return nil, fmt.Errorf("authdata: cannot marshal credential public key: %w", err)
		}
		buf.Write(pub)
	}

	if t.Flags.ExtensionDataIncluded() {
		buf.Write(t.Extensions)
	}

	return buf.Bytes(), nil
}

// Unmarshal parses data back into a T. The extensions tail, when present, is
// kept CBOR-encoded so that Marshal(Unmarshal(b)) == b.
func Unmarshal(data []byte) (*T, error) {
	if len(data) < 37 {
		return nil, ErrInvalidAuthData
	}

	t := &T{
		RPIDHash:  data[:32],
		Flags:     Flag(data[32]),
		SignCount: binary.BigEndian.Uint32(data[33:37]),
	}
	offset := 37

	if t.Flags.AttestedCredentialDataIncluded() {
		if len(data) < offset+18 {
			return nil, ErrInvalidAuthData
		}

		acd := &AttestedCredentialData{
			AAGUID: uuid.UUID(data[offset : offset+16]),
		}
		offset += 16

		length := binary.BigEndian.Uint16(data[offset : offset+2])
		offset += 2
		if len(data) < offset+int(length) {
			return nil, ErrInvalidAuthData
		}
		acd.CredentialID = data[offset : offset+int(length)]
		offset += int(length)

		dec := cbor.NewDecoder(bytes.NewReader(data[offset:]))
		if err := dec.Decode(&acd.CredentialPublicKey); err != nil {
			return nil, fmt.Errorf("authdata: cannot decode credential public key: %w", err)
		}
		offset += dec.NumBytesRead()

		t.AttestedCredentialData = acd
	}

	if t.Flags.ExtensionDataIncluded() {
		if offset >= len(data) {
			return nil, ErrInvalidAuthData
		}
		t.Extensions = data[offset:]
	}

	return t, nil
}
