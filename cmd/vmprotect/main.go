package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/eigerco/vmprotect/internal/config"
	"github.com/eigerco/vmprotect/pkg/log"
)

var (
	Version = "dev"
	Commit  = "none"
)

// main packs and runs virtualized code.
// go run ./cmd/vmprotect pack -o out --rva 0x1000 text.bin
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var code exitError
	switch {
	case errors.As(err, &code):
		os.Exit(int(code))
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError the non zero exit code of a program started by run
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:           "vmprotect",
		Short:         "Virtualize x86-64 instructions into obfuscated bytecode",
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts, err := cfg.LogOptions()
			if err != nil {
				return err
			}
			opts.Output = cmd.ErrOrStderr()
			log.Init(opts)
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "log as JSON")
	flags.StringVar(&cfg.ArchiveDir, "archive-dir", cfg.ArchiveDir, "pebble directory of packed stores")

	root.AddCommand(
		newPackCmd(&cfg),
		newInspectCmd(&cfg),
		newDisasmCmd(),
		newResolveCmd(),
		newRunCmd(&cfg),
	)
	return root
}
