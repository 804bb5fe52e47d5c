package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eigerco/vmprotect/internal/symbols"
)

func newResolveCmd() *cobra.Command {
	var base uint64
	cmd := &cobra.Command{
		Use:   "resolve <image> <function>...",
		Short: "Resolve exports of a PE or ELF image by name hash",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			table := symbols.NewTable()
			load := table.LoadPE
			if bytes.HasPrefix(data, []byte("\x7fELF")) {
				load = table.LoadELF
			}
			m, err := load(args[0], base, bytes.NewReader(data))
			if err != nil {
				return err
			}

			moduleHash := symbols.Hash(filepath.Base(args[0]))
			for _, fn := range args[1:] {
				funcHash := symbols.Hash(fn)
				addr, err := table.Resolve(moduleHash, funcHash)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s!%s %#08x: %v\n", m.Name, fn, funcHash, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s!%s %#08x: %#x\n", m.Name, fn, funcHash, addr)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&base, "base", 0, "load address of the image")
	return cmd
}
