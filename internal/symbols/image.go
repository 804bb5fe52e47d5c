package symbols

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/Binject/debug/pe"
)

// LoadPE registers the named exports of a PE image loaded at base
func (t *Table) LoadPE(name string, base uint64, r io.ReaderAt) (*Module, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("symbols: parse %s: %w", name, err)
	}
	defer f.Close() //nolint:errcheck

	exports, err := f.Exports()
	if err != nil {
		return nil, fmt.Errorf("symbols: exports of %s: %w", name, err)
	}
	named := make(map[string]uint64, len(exports))
	for _, e := range exports {
		if e.Name != "" {
			named[e.Name] = uint64(e.VirtualAddress)
		}
	}
	return t.AddModule(name, base, named), nil
}

// LoadELF registers the exported dynamic functions of an ELF image loaded at
// base. Addresses are taken relative to the lowest loadable segment.
func (t *Table) LoadELF(name string, base uint64, r io.ReaderAt) (*Module, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("symbols: parse %s: %w", name, err)
	}
	defer f.Close() //nolint:errcheck

	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("symbols: dynamic symbols of %s: %w", name, err)
	}
	var vaddr uint64
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			vaddr = p.Vaddr &^ (p.Align - 1)
			break
		}
	}

	named := make(map[string]uint64, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		named[s.Name] = s.Value - vaddr
	}
	return t.AddModule(name, base, named), nil
}
