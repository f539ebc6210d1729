package credstore

import (
	"errors"
	"testing"

	"github.com/ldclabs/cose/iana"
	"github.com/ldclabs/cose/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddEntryAndGetEntry(t *testing.T) {
	s := NewMemoryStore(4, nil)

	id := []byte{1, 2, 3, 4}
	e := s.CreateEntry(id)
	e.AddField(FieldRPID, []byte("example.com"), 1000)
	e.AddField(FieldUserID, []byte{0x01}, 1000)

	require.NoError(t, s.AddEntry(e))
	require.NoError(t, s.Persist())

	got, ok := s.GetEntry(id)
	require.True(t, ok)
	rpID, ok := got.GetField(FieldRPID, 2000)
	require.True(t, ok)
	assert.Equal(t, "example.com", string(rpID))
}

func TestAddEntryRejectsDuplicateID(t *testing.T) {
	s := NewMemoryStore(4, nil)

	id := []byte{9, 9, 9}
	require.NoError(t, s.AddEntry(s.CreateEntry(id)))
	assert.ErrorIs(t, s.AddEntry(s.CreateEntry(id)), ErrKeyStoreFull)
}

func TestAddEntryCapacity(t *testing.T) {
	s := NewMemoryStore(1, nil)

	require.NoError(t, s.AddEntry(s.CreateEntry([]byte{1})))
	assert.ErrorIs(t, s.AddEntry(s.CreateEntry([]byte{2})), ErrKeyStoreFull)
}

func TestEntriesNewestFirst(t *testing.T) {
	s := NewMemoryStore(4, nil)

	older := s.CreateEntry([]byte{1})
	older.AddField(FieldRPID, []byte("example.com"), 1000)
	newer := s.CreateEntry([]byte{2})
	newer.AddField(FieldRPID, []byte("example.com"), 2000)

	require.NoError(t, s.AddEntry(older))
	require.NoError(t, s.AddEntry(newer))

	var order [][]byte
	for e := range s.Entries() {
		order = append(order, e.ID)
	}
	require.Len(t, order, 2)
	assert.Equal(t, []byte{2}, order[0])
	assert.Equal(t, []byte{1}, order[1])
}

func TestPersistRollbackOnSinkFailure(t *testing.T) {
	fail := false
	s := NewMemoryStore(4, func([]byte) error {
		if fail {
			return errors.New("disk on fire")
		}
		return nil
	})

	committed := s.CreateEntry([]byte{1})
	committed.AddField(FieldRPID, []byte("example.com"), 1000)
	require.NoError(t, s.AddEntry(committed))
	require.NoError(t, s.Persist())

	fail = true
	doomed := s.CreateEntry([]byte{2})
	doomed.AddField(FieldRPID, []byte("example.com"), 2000)
	require.NoError(t, s.AddEntry(doomed))
	require.Error(t, s.Persist())

	// the failed batch is gone, the committed entry survives
	_, ok := s.GetEntry([]byte{2})
	assert.False(t, ok)
	_, ok = s.GetEntry([]byte{1})
	assert.True(t, ok)
}

func TestWipe(t *testing.T) {
	s := NewMemoryStore(4, nil)
	require.NoError(t, s.AddEntry(s.CreateEntry([]byte{1})))
	require.NoError(t, s.Persist())

	require.NoError(t, s.Wipe())
	_, ok := s.GetEntry([]byte{1})
	assert.False(t, ok)
}

func TestAlgorithmField(t *testing.T) {
	e := &Entry{}
	e.SetAlgorithm(key.Alg(iana.AlgorithmES256), 1000)

	alg, ok := e.Algorithm(1000)
	require.True(t, ok)
	assert.Equal(t, key.Alg(iana.AlgorithmES256), alg)

	raw, ok := e.GetField(FieldAlgorithm, 1000)
	require.True(t, ok)
	// -7 as 4 bytes big-endian signed
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xf9}, raw)
}

func TestReleaseErasesFields(t *testing.T) {
	e := &Entry{}
	secret := []byte{1, 2, 3, 4}
	e.AddField(FieldPrivateKey, secret, 1000)

	e.Release()

	assert.Empty(t, e.Fields)
	assert.Equal(t, []byte{0, 0, 0, 0}, secret)
}
