package vm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Reg general purpose register identifier, numbered in x86 encoding order
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	RegisterCount = 16
)

// RegisterPart selects the full register, its low byte or its high byte
type RegisterPart uint8

const (
	PartNone RegisterPart = iota
	PartLower
	PartHigher
)

func (p RegisterPart) String() string {
	switch p {
	case PartNone:
		return "none"
	case PartLower:
		return "lower"
	case PartHigher:
		return "higher"
	}
	return fmt.Sprintf("part(%d)", uint8(p))
}

func (r Reg) Valid() bool {
	return r < RegisterCount
}

// x86 names per width, indexed by register
var (
	names64 = [RegisterCount]x86asm.Reg{x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RBX, x86asm.RSP, x86asm.RBP, x86asm.RSI, x86asm.RDI, x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11, x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15}
	names32 = [RegisterCount]x86asm.Reg{x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX, x86asm.ESP, x86asm.EBP, x86asm.ESI, x86asm.EDI, x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L, x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L}
	names16 = [RegisterCount]x86asm.Reg{x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX, x86asm.SP, x86asm.BP, x86asm.SI, x86asm.DI, x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W, x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W}
	names8  = [RegisterCount]x86asm.Reg{x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL, x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB, x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B, x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B}
	namesHi = [4]x86asm.Reg{x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH}
)

func (r Reg) String() string {
	if !r.Valid() {
		return fmt.Sprintf("reg(%d)", uint8(r))
	}
	return lowerName(names64[r])
}

// Name x86 register name for the given part and width
func (r Reg) Name(part RegisterPart, width uint8) string {
	if !r.Valid() {
		return r.String()
	}
	if part == PartHigher && r <= RBX {
		return lowerName(namesHi[r])
	}
	switch width {
	case 1:
		return lowerName(names8[r])
	case 2:
		return lowerName(names16[r])
	case 4:
		return lowerName(names32[r])
	}
	return lowerName(names64[r])
}

// RegFromX86 maps any x86asm general purpose register alias to its backing
// 64 bit register, its part and its width in bytes
func RegFromX86(reg x86asm.Reg) (Reg, RegisterPart, uint8, bool) {
	for i := range names64 {
		switch reg {
		case names64[i]:
			return Reg(i), PartNone, 8, true
		case names32[i]:
			return Reg(i), PartNone, 4, true
		case names16[i]:
			return Reg(i), PartNone, 2, true
		case names8[i]:
			return Reg(i), PartLower, 1, true
		}
	}
	for i, hi := range namesHi {
		if reg == hi {
			return Reg(i), PartHigher, 1, true
		}
	}
	return 0, PartNone, 0, false
}

// lowerName renders x86asm register names the way Intel syntax spells them
func lowerName(r x86asm.Reg) string {
	switch r {
	case x86asm.SPB:
		return "spl"
	case x86asm.BPB:
		return "bpl"
	case x86asm.SIB:
		return "sil"
	case x86asm.DIB:
		return "dil"
	}
	name := strings.ToLower(r.String())
	if r >= x86asm.R8L && r <= x86asm.R15L {
		name = strings.TrimSuffix(name, "l") + "d"
	}
	return name
}

// RegisterFile captured physical context of one virtual execution episode
type RegisterFile struct {
	Regs        [RegisterCount]uint64
	Flags       uint64
	PendingCall uint64 // module relative call target, zero when none
}

// Mask returns the value mask of an operand width in bytes, width 8 or more
// selects all 64 bits
func Mask(width uint8) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (uint64(width) * 8)) - 1
}

// Read effective value of reg at part and width
func (rf *RegisterFile) Read(reg Reg, part RegisterPart, width uint8) uint64 {
	v := rf.Regs[reg]
	if part == PartHigher {
		v >>= 8
	}
	return v & Mask(width)
}

// Write merges the masked value into the backing slot leaving every other bit untouched
func (rf *RegisterFile) Write(reg Reg, part RegisterPart, width uint8, value uint64) {
	mask := Mask(width)
	shift := uint64(0)
	if part == PartHigher {
		shift = 8
	}
	mask <<= shift
	rf.Regs[reg] = rf.Regs[reg]&^mask | (value<<shift)&mask
}

// Clone returns an independent copy
func (rf *RegisterFile) Clone() *RegisterFile {
	c := *rf
	return &c
}
