package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/aldcvd/deposition-core/internal/channel"
	"github.com/aldcvd/deposition-core/internal/recipe"
)

func newPlanCmd(opts *options) *cobra.Command {
	var (
		startAt string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "plan <recipe-file|name>",
		Short: "Print the planned timeline of a recipe",
		Long: `Prints every step application of a full run with its offset and the
channels that are ON afterwards, followed by the total duration and the
estimated end time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, b, _, err := opts.loadBench(cmd)
			if err != nil {
				return err
			}
			r, err := resolveRecipe(b, args[0])
			if err != nil {
				return err
			}
			entries, err := r.Timeline(b.Table)
			if err != nil {
				return err
			}

			start := time.Now()
			if startAt != "" {
				start, err = time.ParseInLocation("15:04", startAt, time.Local)
				if err != nil {
					return fmt.Errorf("--start must be HH:MM: %w", err)
				}
				now := time.Now()
				start = time.Date(now.Year(), now.Month(), now.Day(), start.Hour(), start.Minute(), 0, 0, time.Local)
			}

			out := cmd.OutOrStdout()
			t := table.NewWriter()
			t.SetOutputMirror(out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Offset", "Step", "Duration", "On"})
			for i, e := range entries {
				if limit > 0 && i >= limit {
					t.AppendRow(table.Row{"...", fmt.Sprintf("%d more steps", len(entries)-limit), "", ""})
					break
				}
				t.AppendRow(table.Row{e.Offset, stepName(e), e.Duration, onLabels(b.Bank, e.States)})
			}
			t.Render()

			total := r.TotalDuration()
			fmt.Fprintf(out, "\n%s: %d steps, total %s, ends %s\n",
				r.Name, r.StepCount(), total, start.Add(total).Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	cmd.Flags().StringVar(&startAt, "start", "", "planned start time today (HH:MM), default now")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum timeline rows to print (0 for all)")
	return cmd
}

func stepName(e recipe.Entry) string {
	if e.Position.Phase == recipe.PhaseCycle {
		return fmt.Sprintf("[%d] %s", e.Position.Loop+1, e.Label)
	}
	return e.Label
}

func onLabels(bank *channel.Bank, s channel.States) string {
	on := s.On()
	if len(on) == 0 {
		return "-"
	}
	names := make([]string, len(on))
	for i, id := range on {
		names[i] = bank.Label(id)
	}
	return strings.Join(names, ",")
}
