package credstore

import (
	"fmt"
	"iter"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// MemoryStore keeps credential entries in an in-memory index and flushes them
// to an optional sink on Persist. The sink receives the full CBOR-encoded
// snapshot; if it fails, the index is rolled back to the last snapshot that
// persisted, so a request's mutations land all-or-nothing.
type MemoryStore struct {
	capacity  int
	entries   map[string]*Entry
	sink      func(snapshot []byte) error
	committed []byte
}

// NewMemoryStore creates a store holding at most capacity entries. sink may
// be nil, in which case Persist succeeds without leaving the process.
func NewMemoryStore(capacity int, sink func(snapshot []byte) error) *MemoryStore {
	return &MemoryStore{
		capacity: capacity,
		entries:  make(map[string]*Entry),
		sink:     sink,
	}
}

func (s *MemoryStore) CreateEntry(id []byte) *Entry {
	return &Entry{ID: slices.Clone(id)}
}

func (s *MemoryStore) GetEntry(id []byte) (*Entry, bool) {
	e, ok := s.entries[string(id)]
	return e, ok
}

func (s *MemoryStore) AddEntry(e *Entry) error {
	if _, exists := s.entries[string(e.ID)]; exists {
		return ErrKeyStoreFull
	}
	if len(s.entries) >= s.capacity {
		return ErrKeyStoreFull
	}

	s.entries[string(e.ID)] = e
	return nil
}

func (s *MemoryStore) Entries() iter.Seq[*Entry] {
	all := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	slices.SortFunc(all, func(a, b *Entry) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt > b.CreatedAt {
				return -1
			}
			return 1
		}
		return slices.Compare(b.ID, a.ID)
	})

	return func(yield func(*Entry) bool) {
		for _, e := range all {
			if !yield(e) {
				return
			}
		}
	}
}

func (s *MemoryStore) Persist() error {
	snapshot, err := s.snapshot()
	if err != nil {
		return fmt.Errorf("credstore: cannot serialize snapshot: %w", err)
	}

	if s.sink != nil {
		if err := s.sink(snapshot); err != nil {
			s.rollback()
			return fmt.Errorf("credstore: persist failed: %w", err)
		}
	}

	s.committed = snapshot
	return nil
}

func (s *MemoryStore) Wipe() error {
	s.entries = make(map[string]*Entry)
	return s.Persist()
}

func (s *MemoryStore) snapshot() ([]byte, error) {
	all := make([]*Entry, 0, len(s.entries))
	for e := range s.Entries() {
		all = append(all, e)
	}
	return cbor.Marshal(all)
}

func (s *MemoryStore) rollback() {
	s.entries = make(map[string]*Entry)
	if s.committed == nil {
		return
	}

	var all []*Entry
	if err := cbor.Unmarshal(s.committed, &all); err != nil {
		// The committed snapshot was produced by snapshot(); it decodes.
		return
	}
	for _, e := range all {
		s.entries[string(e.ID)] = e
	}
}
