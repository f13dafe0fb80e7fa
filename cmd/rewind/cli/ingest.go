package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/rewind/internal/capture"
)

var ingestPatterns []string

var ingestCmd = &cobra.Command{
	Use:   "ingest DIR",
	Short: "Describe new screen captures under DIR and add them to a store",
	Long: `Ingest walks DIR for image files matching the capture patterns, asks the
vision provider to describe each one and records the description as a pending
memory. Files already in the store are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			s, e, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			d, err := a.describer()
			if err != nil {
				return err
			}

			patterns := ingestPatterns
			if len(patterns) == 0 {
				patterns = a.cfg.Capture.Patterns
			}

			p := capture.New(s, d, capture.Options{Observer: a.obs})
			rep, err := p.Ingest(cmd.Context(), args[0], patterns)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("Ingest: "+e.Name))
			fmt.Fprintf(out, "Found %d, added %d, skipped %d\n", rep.Found, rep.Added, rep.Skipped)
			if rep.Failed > 0 {
				fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%d captures could not be described", rep.Failed)))
			}
			return nil
		})
	},
}

func init() {
	ingestCmd.Flags().StringArrayVarP(&ingestPatterns, "pattern", "p", nil, "Glob pattern relative to DIR (repeatable, default from config)")
	RootCmd.AddCommand(ingestCmd)
}
