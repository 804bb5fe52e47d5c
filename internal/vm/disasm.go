package vm

import (
	"fmt"
	"strings"
)

var ptrNames = map[uint8]string{1: "byte", 2: "word", 4: "dword", 8: "qword"}

// String renders the operand in Intel syntax
func (o Operand) String() string {
	switch {
	case o.Kind == KindRegister:
		return o.Reg.Name(o.Part, o.Width)
	case o.Kind == KindMemory:
		return fmt.Sprintf("%s ptr [%s]", ptrNames[o.Width], o.Reg)
	case o.Kind.IsSignExtended():
		src, _ := o.Kind.ImmediateWidths()
		shift := 64 - uint(src)*8
		return fmt.Sprintf("%d", int64(o.Imm<<shift)>>shift)
	case o.Kind.IsImmediate():
		return fmt.Sprintf("%#x", o.Imm)
	}
	return o.Kind.String()
}

func (i Instruction) String() string {
	if len(i.Operands) == 0 {
		return i.Opcode.String()
	}
	ops := make([]string, len(i.Operands))
	for n, op := range i.Operands {
		ops[n] = op.String()
	}
	return i.Opcode.String() + " " + strings.Join(ops, ", ")
}

// Disassemble lists every frame of a call site buffer, one per line, prefixed
// with its index. Undecodable frames end the listing with an error line.
func Disassemble(buf []byte) string {
	var sb strings.Builder
	for index := 0; index < len(buf); {
		inst, size, err := DecodeSite(buf, index)
		if err != nil {
			fmt.Fprintf(&sb, "%04x: <%v>\n", index, err)
			break
		}
		fmt.Fprintf(&sb, "%04x: %s\n", index, inst)
		index += size
	}
	return sb.String()
}
