package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory of an output root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p string
			if len(args) == 1 {
				p = args[0]
			}

			svc, cleanup, err := ctx.service(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			nodes, err := svc.List(cmd.Context(), root, p)
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Empty directory")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderNodes(nodes))
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", simpleoutput.DefaultRoot, "Output root")
	return cmd
}

func renderNodes(nodes []simpleoutput.Node) string {
	rows := make([][]string, 0, len(nodes))
	for _, n := range nodes {
		size := "-"
		kind := string(n.MediaKind)
		name := n.Name
		if n.IsDir() {
			kind = "dir"
			name += "/"
		} else {
			size = humanize.Bytes(uint64(n.Size))
		}
		rows = append(rows, []string{name, kind, size, humanize.Time(n.ModTime)})
	}
	return renderTable(
		[]string{"Name", "Kind", "Size", "Modified"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
}
