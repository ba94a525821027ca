package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/arc"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <archive> [part...]",
		Short: "List the entries of a container",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runList(cmd, args)
		},
	}
}

func (a *app) runList(cmd *cobra.Command, paths []string) error {
	h := arc.NewHandler(arc.WithLogger(a.logger(cmd)))
	closeAll, err := openArchive(cmd, h, paths)
	if err != nil {
		return err
	}
	defer closeAll()
	if err := a.applyProperties(h); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tPACKED\tMETHOD\tMODIFIED")
	for i, e := range h.Entries() {
		path, err := h.ItemPath(i)
		if err != nil {
			return err
		}
		if e.IsDir {
			path += "/"
		}
		modified := "-"
		if !e.ModTime.IsZero() {
			modified = e.ModTime.Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", path, e.Size, e.PackedSize, e.Method, modified)
	}
	return tw.Flush()
}
