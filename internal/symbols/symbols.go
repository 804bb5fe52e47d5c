// Package symbols resolves functions by the hashes of their module and export
// names, so packed code never carries the names themselves.
package symbols

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

var ErrSymbolNotFound = errors.New("symbols: not found")

// Hash DJB2 over the lowercase name
func Hash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		h = h*33 + uint32(c)
	}
	return h
}

// Resolver address lookup by module and function name hash
type Resolver interface {
	Resolve(moduleHash, funcHash uint32) (uint64, error)
}

// Module a loaded image and its exported functions
type Module struct {
	Name    string
	Base    uint64
	exports map[uint32]uint64 // function hash to address
}

// Table Resolver over registered modules
type Table struct {
	mu      sync.RWMutex
	modules map[uint32]*Module
}

func NewTable() *Table {
	return &Table{modules: make(map[uint32]*Module)}
}

// AddModule registers a module by the base name of path; exports maps
// function names to addresses relative to base
func (t *Table) AddModule(path string, base uint64, exports map[string]uint64) *Module {
	name := filepath.Base(path)
	m := &Module{Name: name, Base: base, exports: make(map[uint32]uint64, len(exports))}
	for fn, rva := range exports {
		m.exports[Hash(fn)] = base + rva
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules[Hash(name)] = m
	return m
}

// ModuleBase load address of the module with the given name hash
func (t *Table) ModuleBase(moduleHash uint32) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.modules[moduleHash]
	if !ok {
		return 0, fmt.Errorf("%w: module %#08x", ErrSymbolNotFound, moduleHash)
	}
	return m.Base, nil
}

func (t *Table) Resolve(moduleHash, funcHash uint32) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.modules[moduleHash]
	if !ok {
		return 0, fmt.Errorf("%w: module %#08x", ErrSymbolNotFound, moduleHash)
	}
	addr, ok := m.exports[funcHash]
	if !ok {
		return 0, fmt.Errorf("%w: %s!%#08x", ErrSymbolNotFound, m.Name, funcHash)
	}
	return addr, nil
}

// ResolveName is Resolve for plain names
func ResolveName(r Resolver, module, function string) (uint64, error) {
	return r.Resolve(Hash(strings.TrimSpace(module)), Hash(function))
}
