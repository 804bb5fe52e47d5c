package vm

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const memBase = 0x10000

func newTestMemory(t *testing.T) *FlatMemory {
	t.Helper()
	return NewFlatMemory(memBase, 0x100)
}

func TestDispatchScenarios(t *testing.T) {
	t.Run("register plus memory", func(t *testing.T) {
		mem := newTestMemory(t)
		binary.LittleEndian.PutUint64(mem.Data[0x10:], 64)
		rf := &RegisterFile{}
		rf.Regs[RAX] = 64
		rf.Regs[RSI] = memBase + 0x10

		NewDispatcher(mem).Dispatch(rf, Instruction{Opcode: Add, Operands: []Operand{
			RegisterOperand(RAX, PartNone, 8),
			MemoryOperand(RSI, 8),
		}})
		assert.Equal(t, uint64(128), rf.Regs[RAX])
	})

	t.Run("memory destination", func(t *testing.T) {
		mem := newTestMemory(t)
		rf := &RegisterFile{}
		rf.Regs[RAX] = memBase + 0x20
		rf.Regs[RSI] = 64

		NewDispatcher(mem).Dispatch(rf, Instruction{Opcode: Add, Operands: []Operand{
			MemoryOperand(RAX, 8),
			RegisterOperand(RSI, PartNone, 8),
		}})
		assert.Equal(t, uint64(64), binary.LittleEndian.Uint64(mem.Data[0x20:]))
		assert.Equal(t, uint64(memBase+0x20), rf.Regs[RAX])
	})

	t.Run("sign extended immediate", func(t *testing.T) {
		rf := &RegisterFile{}
		rf.Regs[RAX] = 64

		NewDispatcher(nil).Dispatch(rf, Instruction{Opcode: Add, Operands: []Operand{
			RegisterOperand(RAX, PartNone, 8),
			ImmediateOperand(KindImm8to64, 0xff),
		}})
		assert.Equal(t, uint64(63), rf.Regs[RAX])
	})

	t.Run("zero extended byte immediate", func(t *testing.T) {
		rf := &RegisterFile{}
		rf.Regs[R12] = 0xfffffbfffffffe3a

		NewDispatcher(nil).Dispatch(rf, Instruction{Opcode: Add, Operands: []Operand{
			RegisterOperand(R12, PartNone, 8),
			ImmediateOperand(KindImm8, 0xff),
		}})
		assert.Equal(t, uint64(0xfffffbffffffff39), rf.Regs[R12])
	})
}

func TestDispatchWidthArithmetic(t *testing.T) {
	const initial = 0xdeadbeefcafef00d
	for reg := Reg(0); reg < RegisterCount; reg++ {
		for _, width := range []uint8{1, 2, 4, 8} {
			for _, op := range []Opcode{Add, Sub} {
				t.Run(fmt.Sprintf("%s/%s/%d", op, reg, width), func(t *testing.T) {
					rf := &RegisterFile{}
					rf.Regs[reg] = initial
					kind, _ := ImmediateKind(width, width)
					imm := uint64(0x0102030405060708) & Mask(width)

					err := NewDispatcher(nil).Step(rf, Instruction{Opcode: op, Operands: []Operand{
						RegisterOperand(reg, PartNone, width),
						ImmediateOperand(kind, imm),
					}})
					require.NoError(t, err)

					mask := Mask(width)
					want := (initial + imm) & mask
					if op == Sub {
						want = (initial - imm) & mask
					}
					assert.Equal(t, want, rf.Regs[reg]&mask)
					assert.Equal(t, uint64(initial)&^mask, rf.Regs[reg]&^mask)
				})
			}
		}
	}
}

func TestDispatchHigherPart(t *testing.T) {
	for _, reg := range []Reg{RAX, RCX, RDX, RBX} {
		t.Run(reg.String(), func(t *testing.T) {
			rf := &RegisterFile{}
			rf.Regs[reg] = 0x8877665544332211
			rf.Regs[RSI] = 0x0000000000000f00

			NewDispatcher(nil).Dispatch(rf, Instruction{Opcode: Add, Operands: []Operand{
				RegisterOperand(reg, PartHigher, 1),
				RegisterOperand(RSI, PartHigher, 1),
			}})

			assert.Equal(t, uint64(0x8877665544330011)|uint64(0x22+0x0f)<<8, rf.Regs[reg])
		})
	}
}

func TestDispatchFlags(t *testing.T) {
	tests := []struct {
		name  string
		op    Opcode
		a     uint64
		imm   uint64
		width uint8
		set   uint64
		clear uint64
	}{
		{"zero result", Sub, 5, 5, 8, FlagZF | FlagPF, FlagCF | FlagSF | FlagOF},
		{"borrow", Sub, 0, 1, 1, FlagCF | FlagSF | FlagAF, FlagZF | FlagOF},
		{"byte carry", Add, 0xff, 1, 1, FlagCF | FlagZF | FlagAF, FlagSF | FlagOF},
		{"signed overflow", Add, 0x7fffffff, 1, 4, FlagOF | FlagSF | FlagAF, FlagCF | FlagZF},
		{"quad carry", Add, ^uint64(0), 2, 8, FlagCF, FlagZF | FlagSF},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rf := &RegisterFile{Flags: 0x202 | FlagZF | FlagCF | FlagOF | FlagSF}
			rf.Regs[RCX] = tc.a
			kind, _ := ImmediateKind(tc.width, tc.width)
			require.NoError(t, NewDispatcher(nil).Step(rf, Instruction{Opcode: tc.op, Operands: []Operand{
				RegisterOperand(RCX, PartNone, tc.width),
				ImmediateOperand(kind, tc.imm),
			}}))

			assert.Equal(t, tc.set, rf.Flags&tc.set, "expected flags set")
			assert.Zero(t, rf.Flags&tc.clear, "expected flags clear")
			assert.Equal(t, uint64(0x202), rf.Flags&0x202, "non arithmetic flags kept")
		})
	}
}

func TestDispatchCall(t *testing.T) {
	rf := &RegisterFile{}
	rf.Regs[RAX] = 1
	before := *rf

	NewDispatcher(nil).Dispatch(rf, Instruction{Opcode: Call, Operands: []Operand{ImmediateOperand(KindImm64, 0x2040)}})

	assert.Equal(t, uint64(0x2040), rf.PendingCall)
	rf.PendingCall = 0
	assert.Equal(t, before, *rf)
}

func TestDispatchIgnoresUnsupported(t *testing.T) {
	tests := []struct {
		name string
		inst Instruction
		err  error
	}{
		{"unknown opcode", Instruction{Opcode: 99, Operands: []Operand{RegisterOperand(RAX, PartNone, 8)}}, ErrUnsupported},
		{"add with one operand", Instruction{Opcode: Add, Operands: []Operand{RegisterOperand(RAX, PartNone, 8)}}, ErrUnsupported},
		{"immediate destination", Instruction{Opcode: Add, Operands: []Operand{ImmediateOperand(KindImm8, 1), RegisterOperand(RAX, PartNone, 8)}}, ErrUnsupported},
		{"call with register", Instruction{Opcode: Call, Operands: []Operand{RegisterOperand(RAX, PartNone, 8)}}, ErrUnsupported},
		{"wide higher part", Instruction{Opcode: Sub, Operands: []Operand{RegisterOperand(RAX, PartHigher, 2), ImmediateOperand(KindImm16, 1)}}, ErrUnsupported},
		{"memory without backend", Instruction{Opcode: Add, Operands: []Operand{RegisterOperand(RAX, PartNone, 8), MemoryOperand(RSI, 8)}}, ErrNoMemory},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rf := &RegisterFile{Flags: 0x202}
			rf.Regs[RAX] = 7
			rf.Regs[RSI] = memBase
			before := *rf

			assert.ErrorIs(t, NewDispatcher(nil).Step(rf, tc.inst), tc.err)
			NewDispatcher(nil).Dispatch(rf, tc.inst)
			assert.Equal(t, before, *rf)
		})
	}
}

func TestDispatchMemoryFault(t *testing.T) {
	mem := newTestMemory(t)
	rf := &RegisterFile{Flags: 0x202}
	rf.Regs[RAX] = memBase + 0xfc // only four bytes left in the region
	before := *rf

	err := NewDispatcher(mem).Step(rf, Instruction{Opcode: Add, Operands: []Operand{
		MemoryOperand(RAX, 8),
		ImmediateOperand(KindImm8to64, 1),
	}})
	var fault *ErrMemoryFault
	assert.ErrorAs(t, err, &fault)
	assert.Equal(t, before, *rf)
}

func TestDispatchAt(t *testing.T) {
	var buf []byte
	for _, inst := range []Instruction{
		{Opcode: Add, Operands: []Operand{RegisterOperand(RAX, PartNone, 8), ImmediateOperand(KindImm32to64, 10)}},
		{Opcode: Sub, Operands: []Operand{RegisterOperand(RBX, PartLower, 1), ImmediateOperand(KindImm8, 1)}},
	} {
		frame, err := EncodeSite(inst, len(buf))
		require.NoError(t, err)
		buf = append(buf, frame...)
	}

	rf := &RegisterFile{}
	d := NewDispatcher(nil)
	size, err := d.StepAt(rf, buf, 0)
	require.NoError(t, err)
	d.DispatchAt(rf, buf, size)

	assert.Equal(t, uint64(10), rf.Regs[RAX])
	assert.Equal(t, uint64(0xff), rf.Regs[RBX])

	// a misaligned index decodes garbage and is absorbed
	before := *rf
	d.DispatchAt(rf, buf, 1)
	assert.Equal(t, before, *rf)
}

func TestRawMemory(t *testing.T) {
	cell := pinnedCell(t, 64)
	rf := &RegisterFile{}
	rf.Regs[RAX] = 64
	rf.Regs[RSI] = addressOf(cell)

	NewDispatcher(RawMemory{}).Dispatch(rf, Instruction{Opcode: Add, Operands: []Operand{
		MemoryOperand(RSI, 8),
		RegisterOperand(RAX, PartNone, 8),
	}})
	assert.Equal(t, uint64(128), binary.LittleEndian.Uint64(cell))
}

// pinnedCell a heap word that stays put while its address sits in a register
func pinnedCell(t *testing.T, v uint64) []byte {
	cell := binary.LittleEndian.AppendUint64(make([]byte, 0, 8), v)
	var pin runtime.Pinner
	pin.Pin(&cell[0])
	t.Cleanup(pin.Unpin)
	return cell
}

func addressOf(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
