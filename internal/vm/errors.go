package vm

import (
	"errors"
	"fmt"
)

// ErrDecode malformed bytecode, the instruction is treated as a no-op
type ErrDecode struct {
	msg  string
	args []any
}

func ErrDecodef(msg string, args ...any) *ErrDecode {
	return &ErrDecode{msg: msg, args: args}
}

func (e *ErrDecode) Error() string {
	return fmt.Sprintf("decode: "+e.msg, e.args...)
}

// ErrMemoryFault an operand address that the backing memory could not serve
type ErrMemoryFault struct {
	Reason  string
	Address uint64
	Size    int
}

func (e *ErrMemoryFault) Error() string {
	return fmt.Sprintf("memory fault %s: address=%#x size=%d", e.Reason, e.Address, e.Size)
}

// ErrUnsupported opcode and operand combination without defined semantics
var ErrUnsupported = errors.New("unsupported instruction form")

// ErrNoMemory memory operand dispatched without a memory backend
var ErrNoMemory = errors.New("no memory attached")
