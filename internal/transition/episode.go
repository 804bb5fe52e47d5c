package transition

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eigerco/vmprotect/internal/vm"
	"github.com/eigerco/vmprotect/pkg/log"
)

var ErrEpisodeClosed = errors.New("transition: episode already exited")

type State uint8

const (
	Native State = iota
	Captured
	Executing
)

func (s State) String() string {
	switch s {
	case Native:
		return "native"
	case Captured:
		return "captured"
	case Executing:
		return "executing"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Engine binds a context, the memory behind Memory operands and the call
// resolver. It starts episodes and holds no per episode state.
type Engine struct {
	ctx        Context
	dispatcher *vm.Dispatcher
	resolver   *Resolver
	logger     zerolog.Logger
}

func NewEngine(ctx Context, memory vm.Memory, resolver *Resolver) *Engine {
	return &Engine{
		ctx:        ctx,
		dispatcher: vm.NewDispatcher(memory),
		resolver:   resolver,
		logger:     log.VM,
	}
}

// WithLogger returns a copy of the engine logging to logger
func (e *Engine) WithLogger(logger zerolog.Logger) *Engine {
	c := *e
	c.logger = logger
	c.dispatcher = e.dispatcher.WithLogger(logger)
	return &c
}

// Fetcher hands out the plain encoding of the instruction packed at a location
type Fetcher interface {
	Fetch(location uint64) ([]byte, error)
}

// Episode one native to virtual to native round trip. Not safe for
// concurrent use; each thread entering virtualized code gets its own.
type Episode struct {
	engine *Engine
	state  State
	rf     *vm.RegisterFile
	closed bool
}

// Enter captures the context
func (e *Engine) Enter() (*Episode, error) {
	rf, err := e.ctx.Capture()
	if err != nil {
		return nil, fmt.Errorf("transition: capture: %w", err)
	}
	rf.PendingCall = 0
	return &Episode{engine: e, state: Captured, rf: rf}, nil
}

func (ep *Episode) State() State {
	return ep.state
}

// Registers the virtual register file, nil once the episode exited
func (ep *Episode) Registers() *vm.RegisterFile {
	return ep.rf
}

// Dispatch decodes and executes the framed instruction at index of a call site
// buffer. Malformed bytecode is absorbed.
func (ep *Episode) Dispatch(buf []byte, index int) error {
	if ep.closed {
		return ErrEpisodeClosed
	}
	ep.state = Executing
	ep.engine.dispatcher.DispatchAt(ep.rf, buf, index)
	return nil
}

// Execute runs an already decoded instruction
func (ep *Episode) Execute(inst vm.Instruction) error {
	if ep.closed {
		return ErrEpisodeClosed
	}
	ep.state = Executing
	ep.engine.dispatcher.Dispatch(ep.rf, inst)
	return nil
}

// Exit restores every register and the flags, then performs a pending call.
// The register file is released whatever the outcome.
func (ep *Episode) Exit() error {
	if ep.closed {
		return ErrEpisodeClosed
	}
	rf := ep.rf
	ep.rf, ep.closed, ep.state = nil, true, Native

	if err := ep.engine.ctx.Restore(rf); err != nil {
		return fmt.Errorf("transition: restore: %w", err)
	}
	if rf.PendingCall == 0 {
		return nil
	}
	if ep.engine.resolver == nil {
		ep.engine.logger.Warn().Uint64("offset", rf.PendingCall).Msg("pending call without resolver skipped")
		return nil
	}
	if _, err := ep.engine.resolver.Transfer(rf.PendingCall); err != nil {
		return fmt.Errorf("transition: call %#x: %w", rf.PendingCall, err)
	}
	return nil
}

// Run executes one call site frame in a fresh episode
func (e *Engine) Run(buf []byte, index int) error {
	ep, err := e.Enter()
	if err != nil {
		return err
	}
	if err := ep.Dispatch(buf, index); err != nil {
		return err
	}
	return ep.Exit()
}

// RunInstruction executes one decoded instruction in a fresh episode
func (e *Engine) RunInstruction(inst vm.Instruction) error {
	ep, err := e.Enter()
	if err != nil {
		return err
	}
	if err := ep.Execute(inst); err != nil {
		return err
	}
	return ep.Exit()
}

// RunFetched executes the instruction packed at location in a fresh episode.
// The plain encoding is wiped once decoded; a malformed one is absorbed.
func (e *Engine) RunFetched(src Fetcher, location uint64) error {
	plain, err := src.Fetch(location)
	if err != nil {
		return fmt.Errorf("transition: fetch %#x: %w", location, err)
	}
	inst, _, decodeErr := vm.Decode(plain)
	clear(plain)

	ep, err := e.Enter()
	if err != nil {
		return err
	}
	if decodeErr != nil {
		e.logger.Debug().Err(decodeErr).Uint64("location", location).Msg("stored instruction ignored")
	} else if err := ep.Execute(inst); err != nil {
		return err
	}
	return ep.Exit()
}
