package store

import (
	"encoding/binary"
	"fmt"

	"github.com/eigerco/vmprotect/internal/safemath"
)

// Serialized layout, all integers little endian:
//
//	count:8
//	count × { location:8, len:8, bytes, keylen:8, key }
//	fieldlen:4, lastResolved:fieldlen
const (
	countSize      = 8
	locationSize   = 8
	lengthSize     = 8
	fieldLenSize   = 4
	maxTrailerSize = 8
)

// CorruptionError a serialized store whose length fields are inconsistent
type CorruptionError struct {
	Offset uint64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store: corrupted at offset %d: %s", e.Offset, e.Reason)
}

// MarshalBinary serializes the store, entries ordered by location
func (s *Store) MarshalBinary() ([]byte, error) {
	entries := s.Entries()

	out := binary.LittleEndian.AppendUint64(nil, uint64(len(entries)))
	for _, e := range entries {
		if len(e.Key) == 0 {
			return nil, fmt.Errorf("%w at %#x", ErrInvalidKey, e.Location)
		}
		out = binary.LittleEndian.AppendUint64(out, e.Location)
		out = binary.LittleEndian.AppendUint64(out, uint64(len(e.Bytes)))
		out = append(out, e.Bytes...)
		out = binary.LittleEndian.AppendUint64(out, uint64(len(e.Key)))
		out = append(out, e.Key...)
	}

	out = binary.LittleEndian.AppendUint32(out, maxTrailerSize)
	out = binary.LittleEndian.AppendUint64(out, s.LastResolved())
	return out, nil
}

// reader bounds checked cursor over a serialized store
type reader struct {
	buf []byte
	pos uint64
}

func (r *reader) take(n uint64, what string) ([]byte, error) {
	end, ok := safemath.Span(r.pos, n, uint64(len(r.buf)))
	if !ok {
		return nil, &CorruptionError{Offset: r.pos, Reason: fmt.Sprintf("%s of %d bytes overruns %d byte input", what, n, len(r.buf))}
	}
	b := r.buf[r.pos:end]
	r.pos = end
	return b, nil
}

func (r *reader) uint64(what string) (uint64, error) {
	b, err := r.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// UnmarshalBinary replaces the content of s with the serialized store in data.
// On error s is left unchanged.
func (s *Store) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	count, err := r.uint64("entry count")
	if err != nil {
		return err
	}

	// every entry needs at least its three fixed fields and one key byte
	minEntry := uint64(locationSize + 2*lengthSize + 1)
	if count > uint64(len(data))/minEntry {
		return &CorruptionError{Offset: 0, Reason: fmt.Sprintf("entry count %d cannot fit %d bytes", count, len(data))}
	}

	entries := make(map[uint64]Entry, count)
	for i := uint64(0); i < count; i++ {
		start := r.pos
		loc, err := r.uint64("location")
		if err != nil {
			return err
		}
		n, err := r.uint64("byte length")
		if err != nil {
			return err
		}
		enc, err := r.take(n, "instruction bytes")
		if err != nil {
			return err
		}
		kn, err := r.uint64("key length")
		if err != nil {
			return err
		}
		if kn == 0 {
			return &CorruptionError{Offset: start, Reason: fmt.Sprintf("entry %#x has an empty key", loc)}
		}
		key, err := r.take(kn, "key")
		if err != nil {
			return err
		}
		if _, dup := entries[loc]; dup {
			return &CorruptionError{Offset: start, Reason: fmt.Sprintf("duplicate location %#x", loc)}
		}
		entries[loc] = Entry{
			Location: loc,
			Bytes:    append([]byte(nil), enc...),
			Key:      append([]byte(nil), key...),
		}
	}

	fl, err := r.take(fieldLenSize, "trailer length")
	if err != nil {
		return err
	}
	fieldLen := binary.LittleEndian.Uint32(fl)
	if fieldLen > maxTrailerSize {
		return &CorruptionError{Offset: r.pos - fieldLenSize, Reason: fmt.Sprintf("trailer field of %d bytes", fieldLen)}
	}
	field, err := r.take(uint64(fieldLen), "last resolved location")
	if err != nil {
		return err
	}
	if r.pos != uint64(len(data)) {
		return &CorruptionError{Offset: r.pos, Reason: fmt.Sprintf("%d trailing bytes", uint64(len(data))-r.pos)}
	}
	var last [8]byte
	copy(last[:], field)

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	s.lastResolved.Store(binary.LittleEndian.Uint64(last[:]))
	return nil
}

// Decode builds a store from its serialized form
func Decode(data []byte, opts ...Option) (*Store, error) {
	s := New(opts...)
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return s, nil
}
