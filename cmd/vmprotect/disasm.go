package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eigerco/vmprotect/internal/vm"
)

func newDisasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <sites.bin>",
		Short: "List the frames of a call site buffer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), vm.Disassemble(buf))
			return nil
		},
	}
}
