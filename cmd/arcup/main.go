// Command arcup lists, extracts and updates arc containers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/meigma/arc"
)

// app holds the global flags shared by every subcommand.
type app struct {
	verbose bool
	profile string
	props   []string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "arcup",
		Short: "List, extract and update arc containers",
		Long: `arcup reads gzip and image containers and rewrites them in place.

Unchanged entries are copied byte for byte; only added or replaced files are
encoded. Method properties are given with -m key=value or a YAML profile.

Example:
  arcup list backup.img
  arcup update backup.img --add ./docs -m m=zstd -m x=9
  arcup extract backup.img -o ./restore`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.profile, "profile", "", "YAML method profile")
	root.PersistentFlags().StringArrayVarP(&a.props, "method", "m", nil, "Method property key[=value] (repeatable)")

	root.AddCommand(newListCmd(a), newExtractCmd(a), newUpdateCmd(a))
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// applyProperties loads the profile, then the -m flags, into h.
// Flags given later override earlier ones for the same key.
func (a *app) applyProperties(h *arc.Handler) error {
	var names []string
	var values []arc.Value
	if a.profile != "" {
		p, err := loadProfile(a.profile)
		if err != nil {
			return err
		}
		names, values = p.properties()
	}
	for _, raw := range a.props {
		name, value, err := parseProperty(raw)
		if err != nil {
			return err
		}
		names = append(names, name)
		values = append(values, value)
	}
	if len(names) == 0 {
		return nil
	}
	return h.SetProperties(names, values)
}

// openArchive opens every part of an archive into h. The returned function
// closes the part files.
func openArchive(cmd *cobra.Command, h *arc.Handler, paths []string) (func(), error) {
	files := make([]*arc.FileSource, 0, len(paths))
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	parts := make([]arc.ByteSource, 0, len(paths))
	for _, p := range paths {
		f, err := arc.OpenFile(p)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		files = append(files, f)
		parts = append(parts, f)
	}
	if err := h.Open(cmd.Context(), parts...); err != nil {
		closeAll()
		return nil, fmt.Errorf("open %s: %w", paths[0], err)
	}
	for _, is := range h.Database().Issues {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", is)
	}
	return closeAll, nil
}
