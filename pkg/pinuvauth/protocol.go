// Package pinuvauth implements the authenticator side of the PIN/UV auth
// protocols: per-protocol MAC and encryption primitives, the key-agreement
// key, and the pinUvAuthToken state machine.
package pinuvauth

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"io"

	"github.com/go-ctap/softauthn/pkg/ctaptypes"
	"github.com/go-ctap/softauthn/pkg/pinuvauth/protocolone"
	"github.com/go-ctap/softauthn/pkg/pinuvauth/protocoltwo"

	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"
	coseecdh "github.com/ldclabs/cose/key/ecdh"
)

var ErrInvalidAuthProtocol = errors.New("pinuvauth: invalid PIN/UV auth protocol")

func Authenticate(number ctaptypes.PinUvAuthProtocol, sharedSecret []byte, message []byte) ([]byte, error) {
	switch number {
	case ctaptypes.PinUvAuthProtocolOne:
		return protocolone.Authenticate(sharedSecret, message), nil
	case ctaptypes.PinUvAuthProtocolTwo:
		return protocoltwo.Authenticate(sharedSecret, message), nil
	default:
		return nil, ErrInvalidAuthProtocol
	}
}

func Verify(number ctaptypes.PinUvAuthProtocol, sharedSecret []byte, message []byte, signature []byte) bool {
	switch number {
	case ctaptypes.PinUvAuthProtocolOne:
		return protocolone.Verify(sharedSecret, message, signature)
	case ctaptypes.PinUvAuthProtocolTwo:
		return protocoltwo.Verify(sharedSecret, message, signature)
	default:
		return false
	}
}

func Encrypt(number ctaptypes.PinUvAuthProtocol, sharedSecret []byte, plaintext []byte) ([]byte, error) {
	switch number {
	case ctaptypes.PinUvAuthProtocolOne:
		return protocolone.Encrypt(sharedSecret, plaintext)
	case ctaptypes.PinUvAuthProtocolTwo:
		return protocoltwo.Encrypt(sharedSecret, plaintext)
	default:
		return nil, ErrInvalidAuthProtocol
	}
}

func Decrypt(number ctaptypes.PinUvAuthProtocol, sharedSecret []byte, ciphertext []byte) ([]byte, error) {
	switch number {
	case ctaptypes.PinUvAuthProtocolOne:
		return protocolone.Decrypt(sharedSecret, ciphertext)
	case ctaptypes.PinUvAuthProtocolTwo:
		return protocoltwo.Decrypt(sharedSecret, ciphertext)
	default:
		return nil, ErrInvalidAuthProtocol
	}
}

func kdf(number ctaptypes.PinUvAuthProtocol, z []byte) ([]byte, error) {
	switch number {
	case ctaptypes.PinUvAuthProtocolOne:
		return protocolone.KDF(z), nil
	case ctaptypes.PinUvAuthProtocolTwo:
		return protocoltwo.KDF(z)
	default:
		return nil, ErrInvalidAuthProtocol
	}
}

// KeyAgreement holds the authenticator's ECDH key for one PIN/UV auth
// protocol. The platform fetches the public half via the getKeyAgreement
// subcommand; both sides derive the shared secret from it.
type KeyAgreement struct {
	Number     ctaptypes.PinUvAuthProtocol
	privateKey *ecdh.PrivateKey
	coseKey    key.Key
}

func NewKeyAgreement(number ctaptypes.PinUvAuthProtocol, rand io.Reader) (*KeyAgreement, error) {
	ka := &KeyAgreement{Number: number}
	if err := ka.Regenerate(rand); err != nil {
		return nil, err
	}

	return ka, nil
}

// Regenerate discards the current ECDH key and creates a fresh one. Called at
// boot and whenever a PIN proof fails.
func (ka *KeyAgreement) Regenerate(rand io.Reader) error {
	privateKey, err := ecdh.P256().GenerateKey(rand)
	if err != nil {
		return fmt.Errorf("pinuvauth: cannot generate P-256 keypair: %w", err)
	}

	coseKey, err := coseecdh.KeyFromPublic(privateKey.Public().(*ecdh.PublicKey))
	if err != nil {
		return fmt.Errorf("pinuvauth: cannot convert public key to COSE_Key: %w", err)
	}
	if err := coseKey.Set(iana.KeyParameterAlg, -25); err != nil {
		return fmt.Errorf("pinuvauth: cannot set alg parameter for COSE_Key: %w", err)
	}
	delete(coseKey, iana.KeyParameterKid)

	ka.privateKey = privateKey
	ka.coseKey = coseKey
	return nil
}

// PublicKey returns the COSE form of the authenticator's key-agreement key.
func (ka *KeyAgreement) PublicKey() key.Key {
	return ka.coseKey
}

// SharedSecret runs ECDH against the platform's COSE key and applies the
// protocol KDF.
func (ka *KeyAgreement) SharedSecret(peerCoseKey key.Key) ([]byte, error) {
	peerPubkey, err := coseecdh.KeyToPublic(peerCoseKey)
	if err != nil {
		return nil, fmt.Errorf("pinuvauth: cannot convert peer public key: %w", err)
	}

	z, err := ka.privateKey.ECDH(peerPubkey)
	if err != nil {
		return nil, fmt.Errorf("pinuvauth: cannot derive shared secret: %w", err)
	}

	return kdf(ka.Number, z)
}
