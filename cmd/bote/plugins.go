package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/HerbHall/bote/internal/module"
	"github.com/HerbHall/bote/internal/module/lua"
)

func newPluginsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect the plugin directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls [dir]",
		Short: "List the plugins a run would load",
		Long: `Resolve and evaluate every candidate entry of the plugin directory
without starting the runtime. Entrypoints are not run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dir := v.GetString("plugins.dir")
			if len(args) == 1 {
				dir = args[0]
			}
			loader := module.NewLoader(nil, lua.NewEvaluator())
			return listPlugins(cmd, loader, dir, cmd.OutOrStdout())
		},
	})
	return cmd
}

func listPlugins(cmd *cobra.Command, loader *module.Loader, dir string, out io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read plugin directory: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tAUTHORS\tFLAGS\tENTRY")
	var failed int
	for _, e := range entries {
		if !module.Candidate(e.Name(), e.IsDir()) {
			continue
		}
		m, err := loader.Load(cmd.Context(), filepath.Join(dir, e.Name()))
		if err != nil {
			failed++
			fmt.Fprintf(w, "-\t-\t-\t-\t%s (error: %v)\n", e.Name(), err)
			continue
		}
		d := m.Descriptor
		flags := make([]string, len(d.Flags))
		for i, f := range d.Flags {
			flags[i] = string(f)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Version, strings.Join(d.Authors, ","), strings.Join(flags, ","), e.Name())
		if m.Close != nil {
			_ = m.Close()
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d plugin(s) failed to load", failed)
	}
	return nil
}
