//go:build darwin || freebsd || linux

package symbols

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// AddLibrary opens a shared library of the current process and registers the
// listed functions with their absolute addresses
func (t *Table) AddLibrary(path string, functions ...string) (*Module, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("symbols: open %s: %w", path, err)
	}
	exports := make(map[string]uint64, len(functions))
	for _, fn := range functions {
		addr, err := purego.Dlsym(lib, fn)
		if err != nil {
			return nil, fmt.Errorf("symbols: %s!%s: %w", path, fn, err)
		}
		exports[fn] = uint64(addr)
	}
	return t.AddModule(path, 0, exports), nil
}
