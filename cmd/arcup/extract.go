package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meigma/arc"
)

func newExtractCmd(a *app) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "extract <archive> [part...]",
		Short: "Extract every entry of a container",
		Long: `extract writes every entry below the output directory. Entries with
structural damage are reported and skipped; the rest are still extracted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExtract(cmd, args, dest)
		},
	}
	cmd.Flags().StringVarP(&dest, "output", "o", ".", "Output directory")
	return cmd
}

func (a *app) runExtract(cmd *cobra.Command, paths []string, dest string) error {
	h := arc.NewHandler(arc.WithLogger(a.logger(cmd)))
	closeAll, err := openArchive(cmd, h, paths)
	if err != nil {
		return err
	}
	defer closeAll()
	if err := a.applyProperties(h); err != nil {
		return err
	}

	var errs []error
	for i, e := range h.Entries() {
		name, err := h.ItemPath(i)
		if err != nil {
			return err
		}
		rel := filepath.FromSlash(name)
		if !filepath.IsLocal(rel) {
			errs = append(errs, fmt.Errorf("%s: refusing path outside the output directory", name))
			continue
		}
		target := filepath.Join(dest, rel)
		if err := extractEntry(cmd, h, i, target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if !e.ModTime.IsZero() {
			if err := os.Chtimes(target, e.ModTime, e.ModTime); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func extractEntry(cmd *cobra.Command, h *arc.Handler, i int, target string) (err error) {
	if h.Entries()[i].IsDir {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target) //nolint:gosec // target is checked to stay below the output directory
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return h.Extract(cmd.Context(), i, f)
}
