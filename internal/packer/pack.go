package packer

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eigerco/vmprotect/internal/store"
	"github.com/eigerco/vmprotect/internal/vm"
	"github.com/eigerco/vmprotect/pkg/log"
)

const (
	opINT3 = 0xcc
	opNOP  = 0x90
)

// Result the artefacts of one pack
type Result struct {
	Code   []byte // input code with every site spliced
	Buffer []byte // call site buffer, one frame per site
	Sites  Sites
	Store  *store.Store
}

type Packer struct {
	storeOpts []store.Option
	filter    func(Candidate) bool
	logger    zerolog.Logger
}

type Option func(*Packer)

func WithStoreOptions(opts ...store.Option) Option {
	return func(p *Packer) {
		p.storeOpts = append(p.storeOpts, opts...)
	}
}

// WithFilter restricts packing to the candidates keep accepts
func WithFilter(keep func(Candidate) bool) Option {
	return func(p *Packer) {
		p.filter = keep
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Packer) {
		p.logger = logger
	}
}

func New(opts ...Option) *Packer {
	p := &Packer{logger: log.Packer}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pack lifts code loaded at rva, frames every candidate into the call site
// buffer, stores its plain encoding and splices INT3 plus NOP padding over it
func (p *Packer) Pack(code []byte, rva uint64) (*Result, error) {
	res := &Result{
		Code:  bytes.Clone(code),
		Store: store.New(p.storeOpts...),
	}
	for _, c := range Lift(code, rva) {
		if p.filter != nil && !p.filter(c) {
			continue
		}
		index := len(res.Buffer)
		frame, err := vm.EncodeSite(c.Inst, index)
		if err != nil {
			return nil, fmt.Errorf("packer: frame %#x: %w", c.Location, err)
		}
		plain, err := vm.Encode(c.Inst)
		if err != nil {
			return nil, fmt.Errorf("packer: encode %#x: %w", c.Location, err)
		}
		if err := res.Store.Put(c.Location, plain); err != nil {
			return nil, fmt.Errorf("packer: store %#x: %w", c.Location, err)
		}

		res.Buffer = append(res.Buffer, frame...)
		res.Sites = append(res.Sites, Site{Location: c.Location, Index: uint32(index), Length: uint8(c.Length)})
		splice(res.Code[c.Location-rva:], c.Length)

		p.logger.Debug().
			Uint64("location", c.Location).
			Int("index", index).
			Str("native", c.Native).
			Stringer("virtual", c.Inst).
			Msg("virtualized")
	}
	p.logger.Info().Int("sites", len(res.Sites)).Int("buffer", len(res.Buffer)).Msg("packed")
	return res, nil
}

// splice overwrites the first n bytes of code with a trap stub
func splice(code []byte, n int) {
	code[0] = opINT3
	for i := 1; i < n; i++ {
		code[i] = opNOP
	}
}

// Stub the bytes a site of length n is spliced with
func Stub(n int) []byte {
	b := make([]byte, n)
	splice(b, n)
	return b
}
