//go:build linux && amd64

package main

import (
	"github.com/spf13/cobra"

	"github.com/eigerco/vmprotect/internal/config"
	"github.com/eigerco/vmprotect/internal/native/ptrace"
	"github.com/eigerco/vmprotect/internal/store"
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	var (
		dir       string
		fromStore bool
		archive   string
	)
	cmd := &cobra.Command{
		Use:   "run <program> [args...]",
		Short: "Run a program under ptrace, serving its packed sites from the bytecode",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buffer, sites, err := readSites(dir)
			if err != nil {
				return err
			}
			opts := []ptrace.Option{
				ptrace.WithTrapLimit(cfg.TrapLimit),
				ptrace.WithStdio(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()),
			}
			switch {
			case archive != "":
				var s *store.Store
				if err := withArchive(cfg.ArchiveDir, archive, func(a *store.Archive) (err error) {
					s, err = a.Load()
					return err
				}); err != nil {
					return err
				}
				opts = append(opts, ptrace.WithStore(s))
			case fromStore:
				s, err := readStore(dir)
				if err != nil {
					return err
				}
				opts = append(opts, ptrace.WithStore(s))
			}

			code, err := ptrace.NewRunner(buffer, sites, opts...).Run(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err
			}
			if code != 0 {
				return exitError(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "packed", "directory written by pack")
	cmd.Flags().BoolVar(&fromStore, "store", false, "serve traps from the packed store instead of the call site buffer")
	cmd.Flags().StringVar(&archive, "archive", "", "serve traps from the store archived under this name")
	cmd.Flags().IntVar(&cfg.TrapLimit, "trap-limit", cfg.TrapLimit, "stop after this many traps, 0 for no limit")
	cmd.Flags().SetInterspersed(false)
	return cmd
}
