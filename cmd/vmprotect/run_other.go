//go:build !(linux && amd64)

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/eigerco/vmprotect/internal/config"
)

func newRunCmd(*config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run <program> [args...]",
		Short: "Run a program under ptrace (linux/amd64 only)",
		RunE: func(*cobra.Command, []string) error {
			return fmt.Errorf("run is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
		},
	}
}
