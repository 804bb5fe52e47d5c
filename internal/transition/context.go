// Package transition moves execution between a native register context and
// the virtual CPU. An Episode captures the context, runs bytecode against the
// captured copy and writes every register back on exit.
package transition

import (
	"github.com/eigerco/vmprotect/internal/vm"
)

// Context the physical register context of a thread or an emulated CPU.
// Capture and Restore cover every general purpose register and the flags.
type Context interface {
	Capture() (*vm.RegisterFile, error)
	Restore(rf *vm.RegisterFile) error
}

// Caller performs a native call to an absolute address from the context that
// was just restored. Execution continues at the return address afterwards.
type Caller interface {
	Call(target uint64) error
}

// Frame an in-process register context owned by the host, for example the
// frame saved by a trap handler
type Frame struct {
	rf vm.RegisterFile
}

func NewFrame(rf vm.RegisterFile) *Frame {
	return &Frame{rf: vm.RegisterFile{Regs: rf.Regs, Flags: rf.Flags}}
}

func (f *Frame) Capture() (*vm.RegisterFile, error) {
	return f.rf.Clone(), nil
}

func (f *Frame) Restore(rf *vm.RegisterFile) error {
	f.rf.Regs = rf.Regs
	f.rf.Flags = rf.Flags
	return nil
}

// Registers current content of the frame
func (f *Frame) Registers() vm.RegisterFile {
	return f.rf
}

func (f *Frame) Set(reg vm.Reg, value uint64) {
	f.rf.Regs[reg] = value
}
