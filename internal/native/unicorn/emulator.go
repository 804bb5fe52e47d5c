//go:build unicorn

// Package unicorn executes packed code on an emulated x86-64 CPU. Trap stubs
// raise interrupt 3, which the emulator serves with an episode on the virtual
// CPU before resuming after the original instruction.
package unicorn

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/eigerco/vmprotect/internal/packer"
	"github.com/eigerco/vmprotect/internal/store"
	"github.com/eigerco/vmprotect/internal/transition"
	"github.com/eigerco/vmprotect/internal/vm"
	"github.com/eigerco/vmprotect/pkg/log"
)

const (
	pageSize  = 0x1000
	stackSize = 0x10000
	intBreak  = 3
)

var ErrStrayTrap = errors.New("unicorn: trap outside packed sites")

var gprs = [vm.RegisterCount]int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

// Emulator an emulated CPU with a module image mapped at base and a stack
// above it. It is the Memory, Context and Caller of its episodes.
type Emulator struct {
	mu     uc.Unicorn
	base   uint64
	end    uint64
	resume uint64

	buffer []byte
	sites  packer.Sites
	store  *store.Store
	engine *transition.Engine
	err    error
	logger zerolog.Logger
}

func align(n uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// New maps image at base, a stack after a guard page, and wires the trap hook
func New(base uint64, image []byte, buffer []byte, sites packer.Sites) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("unicorn: open: %w", err)
	}
	e := &Emulator{mu: mu, base: base, buffer: buffer, sites: sites, logger: log.Native}

	size := align(uint64(len(image)))
	if err := e.Map(base, size); err != nil {
		mu.Close() //nolint:errcheck
		return nil, err
	}
	if err := mu.MemWrite(base, image); err != nil {
		mu.Close() //nolint:errcheck
		return nil, fmt.Errorf("unicorn: write image: %w", err)
	}
	e.end = base + size

	stack := e.end + pageSize
	if err := e.Map(stack, stackSize); err != nil {
		mu.Close() //nolint:errcheck
		return nil, err
	}
	if err := mu.RegWrite(uc.X86_REG_RSP, stack+stackSize-8); err != nil {
		mu.Close() //nolint:errcheck
		return nil, fmt.Errorf("unicorn: stack pointer: %w", err)
	}

	e.engine = transition.NewEngine(e, e, transition.NewResolver(base, e))
	if _, err := mu.HookAdd(uc.HOOK_INTR, e.interrupt, 1, 0); err != nil {
		mu.Close() //nolint:errcheck
		return nil, fmt.Errorf("unicorn: hook: %w", err)
	}
	return e, nil
}

// Map adds a zeroed region, size rounded up to whole pages
func (e *Emulator) Map(address, size uint64) error {
	if err := e.mu.MemMap(address, align(size)); err != nil {
		return fmt.Errorf("unicorn: map %#x+%#x: %w", address, size, err)
	}
	return nil
}

// UseStore serves later traps from the packed instructions of s instead of the
// call site buffer
func (e *Emulator) UseStore(s *store.Store) {
	e.store = s
}

func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Run emulates from base+begin until base+until is reached
func (e *Emulator) Run(begin, until uint64) error {
	e.err = nil
	if err := e.mu.Start(e.base+begin, e.base+until); err != nil {
		return fmt.Errorf("unicorn: emulate: %w", err)
	}
	return e.err
}

func (e *Emulator) interrupt(mu uc.Unicorn, intno uint32) {
	rip, err := mu.RegRead(uc.X86_REG_RIP)
	if err != nil || intno != intBreak || rip <= e.base {
		e.fail(fmt.Errorf("%w: interrupt %d at %#x", ErrStrayTrap, intno, rip))
		return
	}
	site, ok := e.sites.Lookup(rip - 1 - e.base)
	if !ok {
		e.fail(fmt.Errorf("%w: %#x", ErrStrayTrap, rip-1))
		return
	}

	e.resume = e.base + site.End()
	e.logger.Debug().Uint64("site", site.Location).Uint32("index", site.Index).Msg("trap")
	if e.store != nil {
		err = e.engine.RunFetched(e.store, site.Location)
	} else {
		err = e.engine.Run(e.buffer, int(site.Index))
	}
	if err != nil {
		e.fail(fmt.Errorf("unicorn: site %#x: %w", site.Location, err))
	}
}

func (e *Emulator) fail(err error) {
	if e.err == nil {
		e.err = err
	}
	e.mu.Stop() //nolint:errcheck
}

func (e *Emulator) Read(address uint64, data []byte) error {
	b, err := e.mu.MemRead(address, uint64(len(data)))
	if err != nil {
		return &vm.ErrMemoryFault{Reason: err.Error(), Address: address, Size: len(data)}
	}
	copy(data, b)
	return nil
}

func (e *Emulator) Write(address uint64, data []byte) error {
	if err := e.mu.MemWrite(address, data); err != nil {
		return &vm.ErrMemoryFault{Reason: err.Error(), Address: address, Size: len(data)}
	}
	return nil
}

func (e *Emulator) Capture() (*vm.RegisterFile, error) {
	rf := &vm.RegisterFile{}
	for i, reg := range gprs {
		v, err := e.mu.RegRead(reg)
		if err != nil {
			return nil, fmt.Errorf("unicorn: read %s: %w", vm.Reg(i), err)
		}
		rf.Regs[i] = v
	}
	flags, err := e.mu.RegRead(uc.X86_REG_EFLAGS)
	if err != nil {
		return nil, fmt.Errorf("unicorn: read flags: %w", err)
	}
	rf.Flags = flags
	return rf, nil
}

func (e *Emulator) Restore(rf *vm.RegisterFile) error {
	for i, reg := range gprs {
		if err := e.mu.RegWrite(reg, rf.Regs[i]); err != nil {
			return fmt.Errorf("unicorn: write %s: %w", vm.Reg(i), err)
		}
	}
	if err := e.mu.RegWrite(uc.X86_REG_EFLAGS, rf.Flags); err != nil {
		return fmt.Errorf("unicorn: write flags: %w", err)
	}
	if e.resume != 0 {
		rip := e.resume
		e.resume = 0
		if err := e.mu.RegWrite(uc.X86_REG_RIP, rip); err != nil {
			return fmt.Errorf("unicorn: resume at %#x: %w", rip, err)
		}
	}
	return nil
}

// Call pushes the resume address and continues emulation at target
func (e *Emulator) Call(target uint64) error {
	rip, err := e.mu.RegRead(uc.X86_REG_RIP)
	if err != nil {
		return fmt.Errorf("unicorn: read rip: %w", err)
	}
	sp, err := e.mu.RegRead(uc.X86_REG_RSP)
	if err != nil {
		return fmt.Errorf("unicorn: read rsp: %w", err)
	}
	sp -= 8
	var ret [8]byte
	for i := range ret {
		ret[i] = byte(rip >> (8 * i))
	}
	if err := e.Write(sp, ret[:]); err != nil {
		return fmt.Errorf("unicorn: push return address: %w", err)
	}
	if err := e.mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return err
	}
	return e.mu.RegWrite(uc.X86_REG_RIP, target)
}
