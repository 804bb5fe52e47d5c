package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/eigerco/vmprotect/pkg/db"
	"github.com/eigerco/vmprotect/pkg/db/pebble"
	"github.com/eigerco/vmprotect/pkg/log"
)

var ErrNoArchive = errors.New("store: no archived store under that name")

// header value: digest of the serialized store, entry count, last resolved
const headerSize = blake2b.Size256 + 8 + 8

// Archive persists stores in a key value database. Each entry gets its own key
// so a single location can be inspected without decoding the whole store.
type Archive struct {
	kv   db.KVStore
	name string
}

// NewArchive names must not contain a zero byte
func NewArchive(kv db.KVStore, name string) *Archive {
	return &Archive{kv: kv, name: name}
}

func (a *Archive) headerKey() []byte {
	return makeKey(prefixHeader, a.name, nil)
}

func (a *Archive) entryPrefix() []byte {
	return makeKey(prefixEntry, a.name, nil)
}

// entryKey big endian location so iteration follows location order
func (a *Archive) entryKey(location uint64) []byte {
	return makeKey(prefixEntry, a.name, binary.BigEndian.AppendUint64(nil, location))
}

// Save replaces the archived store with s
func (a *Archive) Save(s *Store) error {
	blob, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	digest := blake2b.Sum256(blob)
	entries := s.Entries()

	batch := a.kv.NewBatch()
	defer batch.Close() //nolint:errcheck

	prefix := a.entryPrefix()
	if err := batch.DeleteRange(prefix, db.PrefixEnd(prefix)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := batch.Put(a.entryKey(e.Location), encodeEntry(e)); err != nil {
			return err
		}
	}
	header := append(digest[:], make([]byte, 16)...)
	binary.LittleEndian.PutUint64(header[blake2b.Size256:], uint64(len(entries)))
	binary.LittleEndian.PutUint64(header[blake2b.Size256+8:], s.LastResolved())
	if err := batch.Put(a.headerKey(), header); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("store: archive %s: %w", a.name, err)
	}
	log.Store.Info().Str("archive", a.name).Int("entries", len(entries)).Msg("store archived")
	return nil
}

// Load rebuilds the archived store and verifies it against the saved digest
func (a *Archive) Load(opts ...Option) (*Store, error) {
	header, err := a.kv.Get(a.headerKey())
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoArchive, a.name)
	}
	if err != nil {
		return nil, fmt.Errorf("store: archive %s: %w", a.name, err)
	}
	if len(header) != headerSize {
		return nil, &CorruptionError{Reason: fmt.Sprintf("archive header of %d bytes", len(header))}
	}

	s := New(opts...)
	prefix := a.entryPrefix()
	iter, err := a.kv.NewIterator(prefix, db.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close() //nolint:errcheck

	for iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+8 {
			return nil, &CorruptionError{Reason: fmt.Sprintf("archive %s key %x", PrefixToString(key[0]), key)}
		}
		value, err := iter.Value()
		if err != nil {
			return nil, err
		}
		e, err := decodeEntry(binary.BigEndian.Uint64(key[len(prefix):]), value)
		if err != nil {
			return nil, err
		}
		s.insert(e)
	}
	s.SetLastResolved(binary.LittleEndian.Uint64(header[blake2b.Size256+8:]))

	if want := binary.LittleEndian.Uint64(header[blake2b.Size256:]); uint64(s.Len()) != want {
		return nil, &CorruptionError{Reason: fmt.Sprintf("archive holds %d entries, header says %d", s.Len(), want)}
	}
	blob, err := s.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if digest := blake2b.Sum256(blob); !bytes.Equal(digest[:], header[:blake2b.Size256]) {
		return nil, &CorruptionError{Reason: "archive digest mismatch"}
	}
	return s, nil
}

// encodeEntry entry record without its location, which lives in the key
func encodeEntry(e Entry) []byte {
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(e.Bytes)))
	out = append(out, e.Bytes...)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(e.Key)))
	return append(out, e.Key...)
}

func decodeEntry(location uint64, value []byte) (Entry, error) {
	r := &reader{buf: value}
	n, err := r.uint64("byte length")
	if err != nil {
		return Entry{}, err
	}
	enc, err := r.take(n, "instruction bytes")
	if err != nil {
		return Entry{}, err
	}
	kn, err := r.uint64("key length")
	if err != nil {
		return Entry{}, err
	}
	key, err := r.take(kn, "key")
	if err != nil {
		return Entry{}, err
	}
	if kn == 0 || r.pos != uint64(len(value)) {
		return Entry{}, &CorruptionError{Offset: r.pos, Reason: fmt.Sprintf("archived entry %#x", location)}
	}
	return Entry{Location: location, Bytes: enc, Key: key}, nil
}
