package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/eigerco/vmprotect/internal/config"
	"github.com/eigerco/vmprotect/internal/keystream"
	"github.com/eigerco/vmprotect/internal/store"
	"github.com/eigerco/vmprotect/internal/vm"
)

func newInspectCmd(cfg *config.Config) *cobra.Command {
	var archived string
	cmd := &cobra.Command{
		Use:   "inspect [store.bin]",
		Short: "Print a serialized or archived instruction store as a tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				s     *store.Store
				title string
				err   error
			)
			switch {
			case archived != "":
				title = archived
				err = withArchive(cfg.ArchiveDir, archived, func(a *store.Archive) error {
					s, err = a.Load()
					return err
				})
			case len(args) == 1:
				title = args[0]
				var blob []byte
				if blob, err = os.ReadFile(args[0]); err == nil {
					s, err = store.Decode(blob)
				}
			default:
				return fmt.Errorf("inspect needs a store file or --archive")
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), storeTree(title, s).String())
			return nil
		},
	}
	cmd.Flags().StringVar(&archived, "archive", "", "load the named store from the archive instead of a file")
	return cmd
}

func storeTree(title string, s *store.Store) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s (%d entries, last resolved %#x)", title, s.Len(), s.LastResolved()))
	for _, e := range s.Entries() {
		node := tree.AddBranch(fmt.Sprintf("%#x", e.Location))
		node.AddNode(fmt.Sprintf("bytes: %s", hex.EncodeToString(e.Bytes)))
		node.AddNode(fmt.Sprintf("key: %s", hex.EncodeToString(e.Key)))

		plain, err := keystream.Deobfuscate(e.Bytes, e.Key)
		if err != nil {
			node.AddNode(fmt.Sprintf("<%v>", err))
			continue
		}
		inst, _, err := vm.Decode(plain)
		if err != nil {
			node.AddNode(fmt.Sprintf("<%v>", err))
			continue
		}
		node.AddNode(inst.String())
	}
	return tree
}
