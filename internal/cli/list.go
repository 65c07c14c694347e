package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/store"
)

func newListCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Long:  `List running experiments with their traffic so far. Use --all to include disabled, scheduled and ended ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				snap, err := eng.ExportData(cmd.Context(), "")
				if err != nil {
					return fmt.Errorf("failed to list experiments: %w", err)
				}

				now := time.Now()
				var rows []engine.ExperimentSnapshot
				for _, es := range snap.Experiments {
					if all || es.Definition.IsActive(now) {
						rows = append(rows, es)
					}
				}

				out := cmd.OutOrStdout()
				if len(rows) == 0 {
					fmt.Fprintln(out, "No experiments yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Register one with:")
					fmt.Fprintln(out, `  abkit create hero --variants "control,bold" --goals signup`)
					return nil
				}

				// Print table
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATE\tVARIANTS\tVISITORS\tCONVERSIONS\tCREATED")
				for _, es := range rows {
					visitors, conversions := 0, 0
					for _, vs := range es.Stats {
						visitors += vs.Visitors
						conversions += vs.Conversions
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						es.Definition.ID,
						es.Definition.Name,
						state(es.Definition, now),
						len(es.Definition.Variants),
						formatNumber(visitors),
						formatNumber(conversions),
						es.Definition.CreatedAt.Format("2006-01-02"),
					)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include inactive experiments")

	return cmd
}

func state(exp *store.Experiment, now time.Time) string {
	switch {
	case !exp.Enabled:
		return "DISABLED"
	case now.Before(exp.StartTime):
		return "SCHEDULED"
	case !exp.InWindow(now):
		return "ENDED"
	default:
		return "RUNNING"
	}
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
