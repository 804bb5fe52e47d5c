package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/eigerco/vmprotect/internal/packer"
	"github.com/eigerco/vmprotect/internal/store"
	"github.com/eigerco/vmprotect/pkg/db/pebble"
)

// files written by pack into its output directory
const (
	codeFile   = "code.bin"
	bufferFile = "sites.bin"
	tableFile  = "sites.tbl"
	storeFile  = "store.bin"
)

func writeArtefacts(dir string, res *packer.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	table, err := res.Sites.MarshalBinary()
	if err != nil {
		return err
	}
	blob, err := res.Store.MarshalBinary()
	if err != nil {
		return err
	}
	for name, data := range map[string][]byte{
		codeFile:   res.Code,
		bufferFile: res.Buffer,
		tableFile:  table,
		storeFile:  blob,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// readSites loads the call site buffer and the site table of a pack
func readSites(dir string) ([]byte, packer.Sites, error) {
	buffer, err := os.ReadFile(filepath.Join(dir, bufferFile))
	if err != nil {
		return nil, nil, err
	}
	table, err := os.ReadFile(filepath.Join(dir, tableFile))
	if err != nil {
		return nil, nil, err
	}
	var sites packer.Sites
	if err := sites.UnmarshalBinary(table); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", tableFile, err)
	}
	return buffer, sites, nil
}

// readStore loads the serialized store of a pack
func readStore(dir string) (*store.Store, error) {
	blob, err := os.ReadFile(filepath.Join(dir, storeFile))
	if err != nil {
		return nil, err
	}
	s := store.New()
	if err := s.UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("%s: %w", storeFile, err)
	}
	return s, nil
}

// withArchive opens the pebble archive directory for the duration of fn
func withArchive(dir, name string, fn func(*store.Archive) error) (err error) {
	kv, err := pebble.Open(dir)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", dir, err)
	}
	defer func() {
		if cerr := kv.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(store.NewArchive(kv, name))
}
