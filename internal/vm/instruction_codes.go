package vm

import "fmt"

type Opcode uint16

// Arithmetic
const (
	Add Opcode = 1 // add
	Sub Opcode = 2 // sub
)

// Control transfer
const (
	Call Opcode = 3 // call
)

func (o Opcode) String() string {
	switch o {
	case Add:
		return "add"
	case Sub:
		return "sub"
	case Call:
		return "call"
	}
	return fmt.Sprintf("opcode(%d)", uint16(o))
}

type OperandKind uint8

const (
	KindRegister OperandKind = 0
	KindMemory   OperandKind = 1
)

// Immediates, the payload slot always spans the target width
const (
	KindImm8        OperandKind = 2
	KindImm16       OperandKind = 3
	KindImm32       OperandKind = 4
	KindImm64       OperandKind = 5
	KindImm8to16    OperandKind = 6
	KindImm8to32    OperandKind = 7
	KindImm16to32   OperandKind = 8
	KindImm8to64    OperandKind = 9
	KindImm16to64   OperandKind = 10
	KindImm32to64   OperandKind = 11
	lastOperandKind             = KindImm32to64
)

// immediateWidths source and target width in bytes of each immediate kind
var immediateWidths = map[OperandKind][2]uint8{
	KindImm8:      {1, 1},
	KindImm16:     {2, 2},
	KindImm32:     {4, 4},
	KindImm64:     {8, 8},
	KindImm8to16:  {1, 2},
	KindImm8to32:  {1, 4},
	KindImm16to32: {2, 4},
	KindImm8to64:  {1, 8},
	KindImm16to64: {2, 8},
	KindImm32to64: {4, 8},
}

func (k OperandKind) IsImmediate() bool {
	return k >= KindImm8 && k <= lastOperandKind
}

// IsSignExtended reports kinds whose value is widened from a smaller signed width
func (k OperandKind) IsSignExtended() bool {
	w, ok := immediateWidths[k]
	return ok && w[0] != w[1]
}

// ImmediateWidths returns the encoded source width and the target width
func (k OperandKind) ImmediateWidths() (src uint8, dst uint8) {
	w := immediateWidths[k]
	return w[0], w[1]
}

// ImmediateKind picks the immediate kind for a source and target width
func ImmediateKind(src, dst uint8) (OperandKind, bool) {
	for k, w := range immediateWidths {
		if w[0] == src && w[1] == dst {
			return k, true
		}
	}
	return 0, false
}

func (k OperandKind) String() string {
	switch k {
	case KindRegister:
		return "reg"
	case KindMemory:
		return "mem"
	}
	if src, dst := k.ImmediateWidths(); dst != 0 {
		if src == dst {
			return fmt.Sprintf("imm%d", int(dst)*8)
		}
		return fmt.Sprintf("imm%dto%d", int(src)*8, int(dst)*8)
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}
