package testutils

import (
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eigerco/vmprotect/internal/keystream"
	"github.com/eigerco/vmprotect/internal/vm"
)

func RandomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func RandomKey(t *testing.T) []byte {
	return RandomBytes(t, keystream.KeySize)
}

// RandomRegisterFile every register and the flags random, no pending call
func RandomRegisterFile(t *testing.T) vm.RegisterFile {
	raw := RandomBytes(t, 8*(vm.RegisterCount+1))
	var rf vm.RegisterFile
	for i := range rf.Regs {
		rf.Regs[i] = binary.LittleEndian.Uint64(raw[8*i:])
	}
	rf.Flags = binary.LittleEndian.Uint64(raw[8*vm.RegisterCount:])
	return rf
}
