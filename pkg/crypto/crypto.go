// Package crypto wraps the COSE signing algorithms the authenticator can
// mint credentials for. Key material crosses the package boundary
// CBOR-encoded, so the credential store never depends on algorithm-specific
// key types.
package crypto

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"
	coseecdsa "github.com/ldclabs/cose/key/ecdsa"
	coseed25519 "github.com/ldclabs/cose/key/ed25519"
)

var ErrUnsupportedAlgorithm = errors.New("crypto: unsupported COSE algorithm")

// DefaultAlgorithms lists the supported algorithms in authenticator
// preference order.
var DefaultAlgorithms = []key.Alg{
	iana.AlgorithmES256,
	iana.AlgorithmEdDSA,
}

func Supported(algs []key.Alg, alg key.Alg) bool {
	return slices.Contains(algs, alg)
}

// CreateKey generates a fresh key pair for alg. Both return values are
// CBOR-encoded COSE keys: the full private key for the credential store and
// the public part for attested credential data.
func CreateKey(alg key.Alg) (privateKey []byte, publicKey key.Key, err error) {
	var priv key.Key
	switch alg {
	case iana.AlgorithmES256:
		priv, err = coseecdsa.GenerateKey(iana.AlgorithmES256)
	case iana.AlgorithmEdDSA:
		priv, err = coseed25519.GenerateKey()
	default:
		return nil, nil, ErrUnsupportedAlgorithm
	}
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: cannot generate key for alg %d: %w", alg, err)
	}

	switch alg {
	case iana.AlgorithmES256:
		publicKey, err = coseecdsa.ToPublicKey(priv)
	case iana.AlgorithmEdDSA:
		publicKey, err = coseed25519.ToPublicKey(priv)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: cannot derive public key: %w", err)
	}

	privateKey, err = cbor.Marshal(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: cannot marshal private key: %w", err)
	}

	return privateKey, publicKey, nil
}

// Sign signs the left-to-right concatenation of segments with the CBOR-encoded
// private key produced by CreateKey.
func Sign(alg key.Alg, privateKey []byte, segments ...[]byte) ([]byte, error) {
	var priv key.Key
	if err := cbor.Unmarshal(privateKey, &priv); err != nil {
		return nil, fmt.Errorf("crypto: cannot unmarshal private key: %w", err)
	}

	var (
		signer key.Signer
		err    error
	)
	switch alg {
	case iana.AlgorithmES256:
		signer, err = coseecdsa.NewSigner(priv)
	case iana.AlgorithmEdDSA:
		signer, err = coseed25519.NewSigner(priv)
	default:
		return nil, ErrUnsupportedAlgorithm
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: cannot create signer: %w", err)
	}

	return signer.Sign(slices.Concat(segments...))
}

// Zeroize overwrites b in place. Callers use it to erase key material held in
// temporaries once the containing entry has been persisted.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
