package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newPresetsCmd(opts *options) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:     "presets",
		Aliases: []string{"recipes", "ls"},
		Short:   "List the recipe library of the configured bench",
		Long: `Lists built-in presets and the recipe files found in recipes.dir.
Presets that do not fit the bench's channels or interlocks are skipped;
--verbose prints why.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, b, warnings, err := opts.loadBench(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			t := table.NewWriter()
			t.SetOutputMirror(out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Source", "Loops", "Steps", "Duration", "Description"})
			for _, s := range b.Library.List() {
				t.AppendRow(table.Row{s.Name, s.Source, s.LoopCount, s.Steps, s.TotalDuration, s.Description})
			}
			t.Render()

			if verbose {
				for _, w := range warnings {
					fmt.Fprintf(out, "warning: %s\n", w)
				}
			} else if len(warnings) > 0 {
				fmt.Fprintf(out, "(%d recipes skipped, use --verbose)\n", len(warnings))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print why recipes were skipped")
	return cmd
}
