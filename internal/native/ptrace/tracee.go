//go:build linux && amd64

package ptrace

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/eigerco/vmprotect/internal/vm"
)

// Tracee a stopped traced thread. It is the Memory, Context and Caller of the
// episodes it hosts. All methods must run on the tracer thread.
type Tracee struct {
	pid    int
	regs   unix.PtraceRegs
	resume uint64
}

func NewTracee(pid int) *Tracee {
	return &Tracee{pid: pid}
}

func (t *Tracee) Pid() int {
	return t.pid
}

// SetResume makes the next Restore continue the tracee at rip
func (t *Tracee) SetResume(rip uint64) {
	t.resume = rip
}

func (t *Tracee) Read(address uint64, data []byte) error {
	n, err := unix.PtracePeekData(t.pid, uintptr(address), data)
	if err != nil || n != len(data) {
		return &vm.ErrMemoryFault{Reason: fmt.Sprintf("peek: %v", err), Address: address, Size: len(data)}
	}
	return nil
}

func (t *Tracee) Write(address uint64, data []byte) error {
	n, err := unix.PtracePokeData(t.pid, uintptr(address), data)
	if err != nil || n != len(data) {
		return &vm.ErrMemoryFault{Reason: fmt.Sprintf("poke: %v", err), Address: address, Size: len(data)}
	}
	return nil
}

func (t *Tracee) Capture() (*vm.RegisterFile, error) {
	if err := unix.PtraceGetRegs(t.pid, &t.regs); err != nil {
		return nil, fmt.Errorf("ptrace: get regs of %d: %w", t.pid, err)
	}
	rf := &vm.RegisterFile{Flags: t.regs.Eflags}
	for reg, p := range gprs(&t.regs) {
		rf.Regs[reg] = *p
	}
	return rf, nil
}

func (t *Tracee) Restore(rf *vm.RegisterFile) error {
	for reg, p := range gprs(&t.regs) {
		*p = rf.Regs[reg]
	}
	t.regs.Eflags = rf.Flags
	if t.resume != 0 {
		t.regs.Rip, t.resume = t.resume, 0
	}
	if err := unix.PtraceSetRegs(t.pid, &t.regs); err != nil {
		return fmt.Errorf("ptrace: set regs of %d: %w", t.pid, err)
	}
	return nil
}

// Call pushes the current instruction pointer and moves it to target. The
// callee runs natively once the tracee is continued and returns to the
// instruction after the site.
func (t *Tracee) Call(target uint64) error {
	if err := unix.PtraceGetRegs(t.pid, &t.regs); err != nil {
		return fmt.Errorf("ptrace: get regs of %d: %w", t.pid, err)
	}
	var ret [8]byte
	for i := range ret {
		ret[i] = byte(t.regs.Rip >> (8 * i))
	}
	sp := t.regs.Rsp - 8
	if err := t.Write(sp, ret[:]); err != nil {
		return fmt.Errorf("ptrace: push return address: %w", err)
	}
	t.regs.Rsp = sp
	t.regs.Rip = target
	if err := unix.PtraceSetRegs(t.pid, &t.regs); err != nil {
		return fmt.Errorf("ptrace: set regs of %d: %w", t.pid, err)
	}
	return nil
}

// gprs the general purpose registers of regs in register file order
func gprs(regs *unix.PtraceRegs) [vm.RegisterCount]*uint64 {
	return [vm.RegisterCount]*uint64{
		&regs.Rax, &regs.Rcx, &regs.Rdx, &regs.Rbx,
		&regs.Rsp, &regs.Rbp, &regs.Rsi, &regs.Rdi,
		&regs.R8, &regs.R9, &regs.R10, &regs.R11,
		&regs.R12, &regs.R13, &regs.R14, &regs.R15,
	}
}
