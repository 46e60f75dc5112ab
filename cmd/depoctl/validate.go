package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aldcvd/deposition-core/internal/interlock"
)

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <recipe-file|name>...",
		Short: "Check recipes against the bench's channels and interlocks",
		Long: `Resolves each recipe against the configured channel bank, simulates
every step against the interlock table and reports warnings such as steps
that leave every channel OFF.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, b, _, err := opts.loadBench(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, ref := range args {
				r, err := resolveRecipe(b, ref)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", ref, err)
					var v *interlock.Violation
					if errors.As(err, &v) {
						for _, br := range v.Breaches {
							fmt.Fprintf(out, "     rule %s (%s) on %v\n", br.Rule, br.Kind, br.Channels)
						}
					}
					continue
				}
				fmt.Fprintf(out, "OK   %s: %d steps, %s\n", r.Name, r.StepCount(), r.TotalDuration())
				for _, w := range r.Lint(b.Bank) {
					fmt.Fprintf(out, "     warning: %s\n", w)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d recipes invalid", failed, len(args))
			}
			return nil
		},
	}
}
