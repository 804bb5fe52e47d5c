package vm

import (
	"encoding/binary"

	"github.com/eigerco/vmprotect/internal/safemath"
)

// Memory byte addressable store behind Memory operands. Addresses are the raw
// 64 bit values held in registers.
type Memory interface {
	Read(address uint64, data []byte) error
	Write(address uint64, data []byte) error
}

// FlatMemory a single contiguous region starting at Base
type FlatMemory struct {
	Base uint64
	Data []byte
}

func NewFlatMemory(base uint64, size int) *FlatMemory {
	return &FlatMemory{Base: base, Data: make([]byte, size)}
}

func (m *FlatMemory) span(address uint64, n int) ([]byte, error) {
	off, ok := safemath.Sub64(address, m.Base)
	if !ok {
		return nil, &ErrMemoryFault{Reason: "below region", Address: address, Size: n}
	}
	end, ok := safemath.Span(off, uint64(n), uint64(len(m.Data)))
	if !ok {
		return nil, &ErrMemoryFault{Reason: "past region", Address: address, Size: n}
	}
	return m.Data[off:end], nil
}

func (m *FlatMemory) Read(address uint64, data []byte) error {
	src, err := m.span(address, len(data))
	if err != nil {
		return err
	}
	copy(data, src)
	return nil
}

func (m *FlatMemory) Write(address uint64, data []byte) error {
	dst, err := m.span(address, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// loadWidth reads width bytes little endian
func loadWidth(mem Memory, address uint64, width uint8) (uint64, error) {
	if mem == nil {
		return 0, ErrNoMemory
	}
	var buf [8]byte
	if err := mem.Read(address, buf[:width]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// storeWidth writes exactly width bytes little endian
func storeWidth(mem Memory, address uint64, width uint8, value uint64) error {
	if mem == nil {
		return ErrNoMemory
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return mem.Write(address, buf[:width])
}
