//go:build (darwin || freebsd || linux || windows) && amd64

package transition

import (
	"runtime"

	"github.com/ebitengine/purego"

	"github.com/eigerco/vmprotect/internal/vm"
)

// argument registers of the platform calling convention
var argRegs = func() []vm.Reg {
	if runtime.GOOS == "windows" {
		return []vm.Reg{vm.RCX, vm.RDX, vm.R8, vm.R9}
	}
	return []vm.Reg{vm.RDI, vm.RSI, vm.RDX, vm.RCX, vm.R8, vm.R9}
}()

// NativeCaller calls functions of the current process with the integer
// argument registers of a Frame and stores the result registers back into it
type NativeCaller struct {
	frame *Frame
}

func NewNativeCaller(frame *Frame) *NativeCaller {
	return &NativeCaller{frame: frame}
}

func (c *NativeCaller) Call(target uint64) error {
	args := make([]uintptr, len(argRegs))
	for i, reg := range argRegs {
		args[i] = uintptr(c.frame.rf.Regs[reg])
	}
	r1, r2, _ := purego.SyscallN(uintptr(target), args...)
	c.frame.rf.Regs[vm.RAX] = uint64(r1)
	c.frame.rf.Regs[vm.RDX] = uint64(r2)
	return nil
}

// NewNativeEngine an engine for a frame of the current process. Memory
// operands dereference process memory and calls go through purego.
func NewNativeEngine(frame *Frame, base uint64) *Engine {
	return NewEngine(frame, vm.RawMemory{}, NewResolver(base, NewNativeCaller(frame)))
}
