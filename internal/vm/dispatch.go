package vm

import (
	"github.com/rs/zerolog"

	"github.com/eigerco/vmprotect/pkg/log"
)

// Dispatcher executes decoded instructions against a register file. Memory
// operands go through the attached Memory.
type Dispatcher struct {
	memory Memory
	logger zerolog.Logger
}

func NewDispatcher(memory Memory) *Dispatcher {
	return &Dispatcher{memory: memory, logger: log.VM}
}

// WithLogger returns a copy of the dispatcher logging to logger
func (d *Dispatcher) WithLogger(logger zerolog.Logger) *Dispatcher {
	c := *d
	c.logger = logger
	return &c
}

// Dispatch executes inst. Malformed or unsupported forms leave rf unchanged.
func (d *Dispatcher) Dispatch(rf *RegisterFile, inst Instruction) {
	if err := d.Step(rf, inst); err != nil {
		d.logger.Debug().Err(err).Stringer("inst", inst).Msg("instruction ignored")
	}
}

// DispatchAt decodes the framed instruction at index of a call site buffer and
// executes it
func (d *Dispatcher) DispatchAt(rf *RegisterFile, buf []byte, index int) {
	if _, err := d.StepAt(rf, buf, index); err != nil {
		d.logger.Debug().Err(err).Int("index", index).Msg("site ignored")
	}
}

// StepAt is DispatchAt reporting the frame size and the absorbed error
func (d *Dispatcher) StepAt(rf *RegisterFile, buf []byte, index int) (int, error) {
	inst, size, err := DecodeSite(buf, index)
	if err != nil {
		return 0, err
	}
	return size, d.Step(rf, inst)
}

// Step is Dispatch reporting why an instruction was ignored. rf is only
// modified when the returned error is nil.
func (d *Dispatcher) Step(rf *RegisterFile, inst Instruction) error {
	switch inst.Opcode {
	case Add, Sub:
		if len(inst.Operands) != 2 {
			return ErrUnsupported
		}
		return d.arithmetic(rf, inst.Opcode == Sub, inst.Operands[0], inst.Operands[1])
	case Call:
		if len(inst.Operands) != 1 || inst.Operands[0].Kind != KindImm64 {
			return ErrUnsupported
		}
		d.Call(rf, inst.Operands[0].Imm)
		return nil
	}
	return ErrUnsupported
}

func (d *Dispatcher) arithmetic(rf *RegisterFile, sub bool, dst, src Operand) error {
	if !dst.addressable() || !src.valid() {
		return ErrUnsupported
	}
	if sub {
		return d.Sub(rf, dst, src)
	}
	return d.Add(rf, dst, src)
}

// addressable destinations are registers or register indirect memory
func (o Operand) addressable() bool {
	switch o.Kind {
	case KindRegister:
		return o.Reg.Valid() && validWidth(o.Width) && (o.Part != PartHigher || o.Width == 1)
	case KindMemory:
		return o.Reg.Valid() && validWidth(o.Width)
	}
	return false
}

func (o Operand) valid() bool {
	if o.Kind.IsImmediate() {
		_, dst := o.Kind.ImmediateWidths()
		return o.Width == dst
	}
	return o.addressable()
}

// read effective value of an operand
func (d *Dispatcher) read(rf *RegisterFile, op Operand) (uint64, error) {
	switch op.Kind {
	case KindRegister:
		return rf.Read(op.Reg, op.Part, op.Width), nil
	case KindMemory:
		return loadWidth(d.memory, rf.Regs[op.Reg], op.Width)
	}
	return op.Imm & Mask(op.Width), nil
}

// write stores the low width bytes of value into a destination operand
func (d *Dispatcher) write(rf *RegisterFile, op Operand, value uint64) error {
	if op.Kind == KindMemory {
		return storeWidth(d.memory, rf.Regs[op.Reg], op.Width, value)
	}
	rf.Write(op.Reg, op.Part, op.Width, value)
	return nil
}
