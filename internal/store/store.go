// Package store keeps the packed form of virtualized instructions: every
// splice location maps to its obfuscated bytes and the key that opens them.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/eigerco/vmprotect/internal/keystream"
	"github.com/eigerco/vmprotect/pkg/log"
)

var (
	ErrNotFound   = errors.New("store: location not found")
	ErrInvalidKey = errors.New("store: empty key")
)

// Entry one encrypted instruction
type Entry struct {
	Location uint64 // module relative code offset of the splice
	Bytes    []byte // obfuscated encoded instruction
	Key      []byte
}

// Equal reports whether both entries carry the same location, bytes and key
func (e Entry) Equal(o Entry) bool {
	return e.Location == o.Location && bytes.Equal(e.Bytes, o.Bytes) && bytes.Equal(e.Key, o.Key)
}

// KeySource produces fresh keys for Put
type KeySource func() ([]byte, error)

// Store location to Entry mapping. Lookups are safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	entries      map[uint64]Entry
	lastResolved atomic.Uint64
	newKey       KeySource
}

type Option func(*Store)

// WithKeySource replaces the random key source, mainly for reproducible packs
func WithKeySource(src KeySource) Option {
	return func(s *Store) {
		s.newKey = src
	}
}

func New(opts ...Option) *Store {
	s := &Store{entries: make(map[uint64]Entry), newKey: keystream.NewKey}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put obfuscates plain with a fresh key and stores it at location
func (s *Store) Put(location uint64, plain []byte) error {
	key, err := s.newKey()
	if err != nil {
		return fmt.Errorf("store: key for %#x: %w", location, err)
	}
	return s.PutWithKey(location, plain, key)
}

// PutWithKey obfuscates plain with key and stores it at location, replacing
// any previous entry
func (s *Store) PutWithKey(location uint64, plain, key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	enc, err := keystream.Obfuscate(plain, key)
	if err != nil {
		return err
	}
	s.insert(Entry{Location: location, Bytes: enc, Key: append([]byte(nil), key...)})
	return nil
}

func (s *Store) insert(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Location] = e
}

// Get returns the stored entry, still obfuscated
func (s *Store) Get(location uint64) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[location]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %#x", ErrNotFound, location)
	}
	return e, nil
}

// Fetch returns the plain instruction bytes for location and records it as the
// last resolved location. The stored entry stays obfuscated.
func (s *Store) Fetch(location uint64) ([]byte, error) {
	e, err := s.Get(location)
	if err != nil {
		return nil, err
	}
	plain, err := keystream.Deobfuscate(e.Bytes, e.Key)
	if err != nil {
		return nil, err
	}
	s.lastResolved.Store(location)
	log.Store.Debug().Uint64("location", location).Int("size", len(plain)).Msg("instruction resolved")
	return plain, nil
}

// Locations returns every stored location in ascending order
func (s *Store) Locations() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locs := make([]uint64, 0, len(s.entries))
	for loc := range s.entries {
		locs = append(locs, loc)
	}
	slices.Sort(locs)
	return locs
}

// Entries returns every entry ordered by location
func (s *Store) Entries() []Entry {
	locs := s.Locations()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(locs))
	for _, loc := range locs {
		if e, ok := s.entries[loc]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) LastResolved() uint64 {
	return s.lastResolved.Load()
}

func (s *Store) SetLastResolved(location uint64) {
	s.lastResolved.Store(location)
}

// Equal reports whether both stores hold the same entries and last resolved location
func (s *Store) Equal(o *Store) bool {
	if s.LastResolved() != o.LastResolved() {
		return false
	}
	a, b := s.Entries(), o.Entries()
	return slices.EqualFunc(a, b, Entry.Equal)
}
