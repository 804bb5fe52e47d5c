package transition

import (
	"github.com/rs/zerolog"

	"github.com/eigerco/vmprotect/pkg/log"
)

// Resolver turns module relative call targets into native calls
type Resolver struct {
	Base   uint64 // load address of the protected module
	Caller Caller
	logger zerolog.Logger
}

func NewResolver(base uint64, caller Caller) *Resolver {
	return &Resolver{Base: base, Caller: caller, logger: log.VM}
}

// Target absolute address of offset. ok is false when the target would be the
// module base itself, which is never a valid call target.
func (r *Resolver) Target(offset uint64) (target uint64, ok bool) {
	target = r.Base + offset
	return target, target != r.Base
}

// Transfer calls the function at offset and reports whether a call was made.
// Guarded targets are skipped without error.
func (r *Resolver) Transfer(offset uint64) (bool, error) {
	target, ok := r.Target(offset)
	if !ok {
		r.logger.Debug().Uint64("offset", offset).Msg("call to module base skipped")
		return false, nil
	}
	if r.Caller == nil {
		r.logger.Warn().Uint64("target", target).Msg("no caller attached, call skipped")
		return false, nil
	}
	if err := r.Caller.Call(target); err != nil {
		return false, err
	}
	return true, nil
}
