package vm

import (
	"encoding/binary"
	"math"

	"github.com/eigerco/vmprotect/internal/keystream"
)

const (
	MaxOperands = 2

	headerSize     = 3 // opcode:2, count:1
	descriptorSize = 2 // kind:1, width:1
	regPayloadSize = 2 // reg:1, part:1
)

// Operand one decoded operand descriptor
type Operand struct {
	Kind  OperandKind
	Width uint8
	Reg   Reg
	Part  RegisterPart
	Imm   uint64 // sign extended to Width and masked
}

// Instruction decoded bytecode instruction, immutable after decoding
type Instruction struct {
	Opcode   Opcode
	Operands []Operand
}

func RegisterOperand(reg Reg, part RegisterPart, width uint8) Operand {
	return Operand{Kind: KindRegister, Width: width, Reg: reg, Part: part}
}

func MemoryOperand(base Reg, width uint8) Operand {
	return Operand{Kind: KindMemory, Width: width, Reg: base}
}

// ImmediateOperand builds an immediate of the given kind, value is truncated
// to the encoded source width and then widened the way the decoder would
func ImmediateOperand(kind OperandKind, value uint64) Operand {
	src, dst := kind.ImmediateWidths()
	return Operand{Kind: kind, Width: dst, Imm: widen(kind, value, src, dst)}
}

func widen(kind OperandKind, raw uint64, src, dst uint8) uint64 {
	raw &= Mask(src)
	if kind.IsSignExtended() {
		shift := 64 - uint(src)*8
		raw = uint64(int64(raw<<shift) >> shift)
	}
	return raw & Mask(dst)
}

func validWidth(w uint8) bool {
	return w == 1 || w == 2 || w == 4 || w == 8
}

// decoder reads a bytecode slice with bounds checks on every access
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, ErrDecodef("read of %d bytes at %d past length %d", n, d.pos, len(d.buf))
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Decode decodes one plain instruction from the start of b and returns it with
// the number of bytes consumed
func Decode(b []byte) (Instruction, int, error) {
	d := &decoder{buf: b}
	hdr, err := d.take(headerSize)
	if err != nil {
		return Instruction{}, 0, err
	}
	inst := Instruction{Opcode: Opcode(binary.LittleEndian.Uint16(hdr))}
	count := int(hdr[2])
	if count > MaxOperands {
		return Instruction{}, 0, ErrDecodef("operand count %d exceeds %d", count, MaxOperands)
	}

	for i := 0; i < count; i++ {
		op, err := d.operand()
		if err != nil {
			return Instruction{}, 0, err
		}
		inst.Operands = append(inst.Operands, op)
	}
	return inst, d.pos, nil
}

func (d *decoder) operand() (Operand, error) {
	desc, err := d.take(descriptorSize)
	if err != nil {
		return Operand{}, err
	}
	op := Operand{Kind: OperandKind(desc[0]), Width: desc[1]}
	if !validWidth(op.Width) {
		return Operand{}, ErrDecodef("invalid operand width %d", op.Width)
	}

	switch {
	case op.Kind == KindRegister || op.Kind == KindMemory:
		p, err := d.take(regPayloadSize)
		if err != nil {
			return Operand{}, err
		}
		op.Reg, op.Part = Reg(p[0]), RegisterPart(p[1])
		if !op.Reg.Valid() {
			return Operand{}, ErrDecodef("register id %d out of range", p[0])
		}
		if op.Part > PartHigher {
			return Operand{}, ErrDecodef("register part %d out of range", p[1])
		}
	case op.Kind.IsImmediate():
		src, dst := op.Kind.ImmediateWidths()
		if op.Width != dst {
			return Operand{}, ErrDecodef("%s with width %d", op.Kind, op.Width)
		}
		p, err := d.take(int(dst))
		if err != nil {
			return Operand{}, err
		}
		var raw [8]byte
		copy(raw[:], p[:src])
		op.Imm = widen(op.Kind, binary.LittleEndian.Uint64(raw[:]), src, dst)
	default:
		return Operand{}, ErrDecodef("unknown operand kind %d", desc[0])
	}
	return op, nil
}

// Encode produces the plain bytecode form of inst
func Encode(inst Instruction) ([]byte, error) {
	if len(inst.Operands) > MaxOperands {
		return nil, ErrDecodef("operand count %d exceeds %d", len(inst.Operands), MaxOperands)
	}
	out := binary.LittleEndian.AppendUint16(nil, uint16(inst.Opcode))
	out = append(out, uint8(len(inst.Operands)))

	for _, op := range inst.Operands {
		if !validWidth(op.Width) {
			return nil, ErrDecodef("invalid operand width %d", op.Width)
		}
		out = append(out, uint8(op.Kind), op.Width)
		switch {
		case op.Kind == KindRegister || op.Kind == KindMemory:
			if !op.Reg.Valid() {
				return nil, ErrDecodef("register id %d out of range", op.Reg)
			}
			out = append(out, uint8(op.Reg), uint8(op.Part))
		case op.Kind.IsImmediate():
			src, dst := op.Kind.ImmediateWidths()
			if op.Width != dst {
				return nil, ErrDecodef("%s with width %d", op.Kind, op.Width)
			}
			var slot [8]byte
			binary.LittleEndian.PutUint64(slot[:], op.Imm&Mask(src))
			out = append(out, slot[:dst]...)
		default:
			return nil, ErrDecodef("unknown operand kind %d", op.Kind)
		}
	}
	return out, nil
}

// EncodeSite frames inst for a call site buffer at index: a clear length byte
// followed by the plain bytes xored with the index keystream
func EncodeSite(inst Instruction, index int) ([]byte, error) {
	plain, err := Encode(inst)
	if err != nil {
		return nil, err
	}
	if len(plain) > math.MaxUint8 {
		return nil, ErrDecodef("instruction of %d bytes does not fit a site frame", len(plain))
	}
	keystream.ApplySite(plain, index)
	return append([]byte{uint8(len(plain))}, plain...), nil
}

// DecodeSite decodes the framed instruction at index of a call site buffer and
// returns it with the size of the whole frame. buf is left untouched.
func DecodeSite(buf []byte, index int) (Instruction, int, error) {
	if index < 0 || index >= len(buf) {
		return Instruction{}, 0, ErrDecodef("site index %d outside buffer of %d bytes", index, len(buf))
	}
	n := int(buf[index])
	if index+1+n > len(buf) {
		return Instruction{}, 0, ErrDecodef("site frame of %d bytes at %d past length %d", n, index, len(buf))
	}
	plain := make([]byte, n)
	copy(plain, buf[index+1:index+1+n])
	keystream.ApplySite(plain, index)

	inst, used, err := Decode(plain)
	if err != nil {
		return Instruction{}, 0, err
	}
	if used != n {
		return Instruction{}, 0, ErrDecodef("site frame declares %d bytes, instruction uses %d", n, used)
	}
	return inst, 1 + n, nil
}
