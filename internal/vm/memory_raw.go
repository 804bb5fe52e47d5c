package vm

import "unsafe"

// RawMemory dereferences addresses in the current process. Accesses are not
// bounds checked: an invalid address faults the process exactly like the
// native instruction would.
type RawMemory struct{}

func (RawMemory) Read(address uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	copy(data, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(address))), len(data))) //nolint:govet // raw operand address
	return nil
}

func (RawMemory) Write(address uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(address))), len(data)), data) //nolint:govet // raw operand address
	return nil
}
