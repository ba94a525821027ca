package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/meigma/arc"
)

type updateFlags struct {
	adds    []string
	deletes []string
	renames []string
	parts   []string
	format  string
	image   string
	workers int
}

func newUpdateCmd(a *app) *cobra.Command {
	var f updateFlags
	cmd := &cobra.Command{
		Use:   "update <archive>",
		Short: "Add, replace, rename or delete entries",
		Long: `update rewrites a container with the requested changes. A missing
archive is created. Added paths replace entries of the same name; directories
are added recursively. The result replaces the archive atomically.

Example:
  arcup update site.img --add ./public --delete old.html
  arcup update notes.gz --format gz --add notes.txt -m x=9
  arcup update site.img --rename index.htm=index.html`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUpdate(cmd, args[0], f)
		},
	}
	cmd.Flags().StringArrayVar(&f.adds, "add", nil, "File or directory to add (repeatable)")
	cmd.Flags().StringArrayVar(&f.deletes, "delete", nil, "Entry name to delete (repeatable)")
	cmd.Flags().StringArrayVar(&f.renames, "rename", nil, "Rename entries, old=new (repeatable)")
	cmd.Flags().StringArrayVar(&f.parts, "part", nil, "Additional part of a multi-part archive (repeatable)")
	cmd.Flags().StringVar(&f.format, "format", arc.FormatImg, "Format of a new archive (img or gz)")
	cmd.Flags().StringVar(&f.image, "image-name", "", "Name of the image created in a new image archive")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Encoder workers; 0 uses all CPUs, -1 encodes serially")
	return cmd
}

func (a *app) runUpdate(cmd *cobra.Command, archive string, f updateFlags) error {
	logger := a.logger(cmd)
	opts := []arc.Option{
		arc.WithLogger(logger),
		arc.WithFormat(f.format),
		arc.WithWorkers(f.workers),
	}
	if f.image != "" {
		opts = append(opts, arc.WithImageName(f.image))
	}
	h := arc.NewHandler(opts...)

	var entries []arc.Entry
	_, statErr := os.Stat(archive)
	switch {
	case statErr == nil:
		closeAll, err := openArchive(cmd, h, append([]string{archive}, f.parts...))
		if err != nil {
			return err
		}
		defer closeAll()
		entries = h.Entries()
	case errors.Is(statErr, os.ErrNotExist):
		if len(f.parts) > 0 {
			return fmt.Errorf("%s does not exist; --part needs an existing archive", archive)
		}
	default:
		return statErr
	}
	if err := a.applyProperties(h); err != nil {
		return err
	}

	adds, err := collectAdds(f.adds)
	if err != nil {
		return err
	}
	renames, err := parseRenames(f.renames)
	if err != nil {
		return err
	}
	format := f.format
	if db := h.Database(); db != nil {
		format = db.Format
	}
	items, err := buildPlan(entries, adds, f.deletes, renames, format == arc.FormatGz)
	if err != nil {
		return err
	}

	cb := newFSCallback(items, logger)
	err = writeAtomic(archive, func(w io.Writer) error {
		_, err := h.Update(cmd.Context(), len(items), cb, w)
		return err
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", archive, err)
	}
	if !a.verbose {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries written\n", archive, len(items))
	return nil
}
