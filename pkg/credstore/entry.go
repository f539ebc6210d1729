// Package credstore defines the credential record, the store contract the
// request handlers rely on, and an in-memory implementation of it.
package credstore

import (
	"encoding/binary"

	"github.com/ldclabs/cose/key"
)

// Field names addressable on a credential entry.
const (
	FieldRPID                = "RpId"
	FieldUserID              = "UserId"
	FieldPrivateKey          = "PrivateKey"
	FieldAlgorithm           = "Algorithm"
	FieldPolicy              = "Policy"
	FieldCredRandomWithUV    = "CredRandomWithUV"
	FieldCredRandomWithoutUV = "CredRandomWithoutUV"
)

// Entry is one credential record, keyed by a 32-byte opaque credential id.
// Every semantic field is an opaque byte string; the handlers interpret them.
type Entry struct {
	ID         []byte            `cbor:"1,keyasint"`
	Fields     map[string][]byte `cbor:"2,keyasint"`
	CreatedAt  uint64            `cbor:"3,keyasint"`
	UpdatedAt  uint64            `cbor:"4,keyasint"`
	UsageCount uint32            `cbor:"5,keyasint"`
}

// AddField adds or overwrites a named field. now is recorded as the entry's
// update time; the store may use it for expiry, the handlers never interpret it.
func (e *Entry) AddField(name string, value []byte, now uint64) {
	if e.Fields == nil {
		e.Fields = make(map[string][]byte)
	}
	e.Fields[name] = value

	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
}

// GetField returns the current value of a named field.
func (e *Entry) GetField(name string, now uint64) ([]byte, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// SetAlgorithm stores the COSE algorithm identifier as 4 bytes big-endian
// signed.
func (e *Entry) SetAlgorithm(alg key.Alg, now uint64) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(int32(alg)))
	e.AddField(FieldAlgorithm, b, now)
}

// Algorithm reads the field written by SetAlgorithm.
func (e *Entry) Algorithm(now uint64) (key.Alg, bool) {
	b, ok := e.GetField(FieldAlgorithm, now)
	if !ok || len(b) != 4 {
		return 0, false
	}
	return key.Alg(int32(binary.BigEndian.Uint32(b))), true
}

// Release erases every field value. Handlers call it on error paths so key
// material of an entry that never reached the store does not linger.
func (e *Entry) Release() {
	for name, v := range e.Fields {
		for i := range v {
			v[i] = 0
		}
		delete(e.Fields, name)
	}
}
