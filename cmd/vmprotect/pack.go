package main

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eigerco/vmprotect/internal/config"
	"github.com/eigerco/vmprotect/internal/packer"
	"github.com/eigerco/vmprotect/internal/store"
	"github.com/eigerco/vmprotect/pkg/log"
)

func newPackCmd(cfg *config.Config) *cobra.Command {
	var (
		out     string
		name    string
		rva     uint64
		isELF   bool
		section string
	)
	cmd := &cobra.Command{
		Use:   "pack <input>",
		Short: "Virtualize the supported instructions of a code blob or an ELF section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, at := []byte(nil), rva
			var err error
			if isELF {
				code, at, err = elfSection(args[0], section)
			} else {
				code, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			if name == "" {
				name = filepath.Base(args[0])
			}
			logger := log.Packer.With().Str("input", name).Logger()
			res, err := packer.New(packer.WithLogger(logger)).Pack(code, at)
			if err != nil {
				return err
			}
			if err := writeArtefacts(out, res); err != nil {
				return err
			}
			if err := withArchive(cfg.ArchiveDir, name, func(a *store.Archive) error {
				return a.Save(res.Store)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d sites, %d bytecode bytes, archived as %q\n", len(res.Sites), len(res.Buffer), name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "packed", "output directory")
	cmd.Flags().StringVar(&name, "name", "", "archive name, defaults to the input file name")
	cmd.Flags().Uint64Var(&rva, "rva", 0, "module relative address of a raw input")
	cmd.Flags().BoolVar(&isELF, "elf", false, "input is an ELF executable")
	cmd.Flags().StringVar(&section, "section", ".text", "ELF section to pack")
	return cmd
}

// elfSection returns the contents of a section and its address relative to
// the first loadable segment
func elfSection(path, name string) ([]byte, uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close() //nolint:errcheck

	sec := f.Section(name)
	if sec == nil {
		return nil, 0, fmt.Errorf("%s: no section %s", path, name)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: read %s: %w", path, name, err)
	}
	var base uint64
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			base = p.Vaddr &^ (p.Align - 1)
			break
		}
	}
	return data, sec.Addr - base, nil
}
