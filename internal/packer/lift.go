// Package packer selects x86-64 instructions that the virtual CPU can execute,
// lifts them to bytecode and splices trap stubs over the originals.
package packer

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/eigerco/vmprotect/internal/vm"
)

// Candidate one native instruction and its bytecode equivalent
type Candidate struct {
	Location uint64 // module relative address of the native instruction
	Length   int
	Native   string // Intel syntax of the native instruction
	Inst     vm.Instruction
}

// Lift decodes code, which is loaded at module relative address rva, and
// returns every instruction that lifts. Undecodable bytes are stepped over.
func Lift(code []byte, rva uint64) []Candidate {
	var out []Candidate
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil || inst.Len == 0 {
			pos++
			continue
		}
		location := rva + uint64(pos)
		if lifted, ok := lift(inst, location); ok {
			out = append(out, Candidate{
				Location: location,
				Length:   inst.Len,
				Native:   x86asm.IntelSyntax(inst, location, nil),
				Inst:     lifted,
			})
		}
		pos += inst.Len
	}
	return out
}

func lift(inst x86asm.Inst, location uint64) (vm.Instruction, bool) {
	if hasPrefix(inst, x86asm.PrefixLOCK) || hasPrefix(inst, x86asm.PrefixREP) || hasPrefix(inst, x86asm.PrefixREPN) {
		return vm.Instruction{}, false
	}
	switch inst.Op {
	case x86asm.ADD:
		return liftArithmetic(vm.Add, inst)
	case x86asm.SUB:
		return liftArithmetic(vm.Sub, inst)
	case x86asm.CALL:
		return liftCall(inst, location)
	}
	return vm.Instruction{}, false
}

func hasPrefix(inst x86asm.Inst, p x86asm.Prefix) bool {
	for _, have := range inst.Prefix {
		if have == 0 {
			break
		}
		if have&0xff == p {
			return true
		}
	}
	return false
}

func liftArithmetic(op vm.Opcode, inst x86asm.Inst) (vm.Instruction, bool) {
	dst, ok := destination(inst, inst.Args[0])
	if !ok {
		return vm.Instruction{}, false
	}
	src, ok := source(inst, inst.Args[1], dst.Width)
	if !ok {
		return vm.Instruction{}, false
	}
	return vm.Instruction{Opcode: op, Operands: []vm.Operand{dst, src}}, true
}

// destination the written operand. Stack and frame pointers are left native,
// and 32 bit register writes too since the CPU clears the upper half.
func destination(inst x86asm.Inst, arg x86asm.Arg) (vm.Operand, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		reg, part, width, ok := vm.RegFromX86(a)
		if !ok || width == 4 || reg == vm.RSP || reg == vm.RBP {
			return vm.Operand{}, false
		}
		return vm.RegisterOperand(reg, part, width), true
	case x86asm.Mem:
		return memory(inst, a)
	}
	return vm.Operand{}, false
}

func source(inst x86asm.Inst, arg x86asm.Arg, width uint8) (vm.Operand, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		reg, part, w, ok := vm.RegFromX86(a)
		if !ok || w != width {
			return vm.Operand{}, false
		}
		return vm.RegisterOperand(reg, part, width), true
	case x86asm.Mem:
		op, ok := memory(inst, a)
		if !ok || op.Width != width {
			return vm.Operand{}, false
		}
		return op, true
	case x86asm.Imm:
		kind, ok := immediateKind(inst, width)
		if !ok {
			return vm.Operand{}, false
		}
		return vm.ImmediateOperand(kind, uint64(a)), true
	}
	return vm.Operand{}, false
}

// memory accepts plain [base] addressing only
func memory(inst x86asm.Inst, m x86asm.Mem) (vm.Operand, bool) {
	if m.Segment != 0 || m.Index != 0 || m.Disp != 0 || m.Base == 0 {
		return vm.Operand{}, false
	}
	reg, _, width, ok := vm.RegFromX86(m.Base)
	if !ok || width != 8 || reg == vm.RSP || reg == vm.RBP {
		return vm.Operand{}, false
	}
	size := uint8(inst.MemBytes)
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return vm.Operand{}, false
	}
	return vm.MemoryOperand(reg, size), true
}

// immediateKind maps the encoded immediate of the group 1 and accumulator forms
func immediateKind(inst x86asm.Inst, width uint8) (vm.OperandKind, bool) {
	switch opcode := byte(inst.Opcode >> 24); opcode {
	case 0x83:
		return vm.ImmediateKind(1, width)
	case 0x80, 0x04, 0x2c:
		return vm.ImmediateKind(1, 1)
	case 0x81, 0x05, 0x2d:
		if width == 8 {
			return vm.KindImm32to64, true
		}
		return vm.ImmediateKind(width, width)
	}
	return 0, false
}

// liftCall turns a direct near call into a module relative Call
func liftCall(inst x86asm.Inst, location uint64) (vm.Instruction, bool) {
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok || byte(inst.Opcode>>24) != 0xe8 {
		return vm.Instruction{}, false
	}
	target := location + uint64(inst.Len) + uint64(int64(rel))
	return vm.Instruction{Opcode: vm.Call, Operands: []vm.Operand{vm.ImmediateOperand(vm.KindImm64, target)}}, true
}

func (c Candidate) String() string {
	return fmt.Sprintf("%#x %-28s -> %s", c.Location, c.Native, c.Inst)
}
