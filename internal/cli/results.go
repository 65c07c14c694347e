package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/stats"
	"github.com/gkobilansky/abkit/internal/store"
)

func newResultsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "results <id>",
		Short: "Show detailed results for an experiment",
		Long: `Show conversion rates, 95% confidence intervals, p-values and uplift against
control. Results are shown for inactive experiments too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				es, err := findExperiment(cmd.Context(), eng, args[0])
				if err != nil {
					return err
				}
				printResults(cmd.OutOrStdout(), es.Definition, es.Stats, time.Now())
				return nil
			})
		},
	}
}

func printResults(out io.Writer, exp *store.Experiment, variants []stats.VariantStats, now time.Time) {
	// Print header
	fmt.Fprintf(out, "EXPERIMENT: %s (%s)\n", exp.ID, exp.Name)
	fmt.Fprintf(out, "STATE: %s\n", state(exp, now))
	if len(exp.ConversionGoals) > 0 {
		fmt.Fprintf(out, "GOALS: %s\n", strings.Join(exp.ConversionGoals, ", "))
	}
	fmt.Fprintf(out, "MIN SAMPLE: %d per variant, threshold p < %g\n", exp.MinimumSampleSize, exp.SignificanceThreshold)
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tVISITORS\tCONVERSIONS\tRATE\t95% CI\tP-VALUE\tUPLIFT")
	for _, v := range variants {
		name := v.VariantID
		if v.IsControl {
			name += " (control)"
		}

		ci := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		if v.Visitors == 0 {
			ci = "N/A"
		}

		pValue, uplift := "-", "-"
		if !v.IsControl && v.Confidence > 0 {
			pValue = fmt.Sprintf("%.4f", v.Confidence)
		}
		if v.UpliftPercent != nil {
			uplift = fmt.Sprintf("%+.1f%%", *v.UpliftPercent)
		}

		marker := ""
		if v.IsSignificant {
			marker = " *"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s%s\n",
			name,
			formatNumber(v.Visitors),
			formatNumber(v.Conversions),
			formatPercent(v.ConversionRate),
			ci,
			pValue,
			uplift,
			marker,
		)
	}
	w.Flush()
	fmt.Fprintln(out)

	fmt.Fprintln(out, significanceMessage(exp, variants))
}

// significanceMessage summarises the strongest significant variant, if any.
func significanceMessage(exp *store.Experiment, variants []stats.VariantStats) string {
	var best *stats.VariantStats
	for i := range variants {
		v := &variants[i]
		if !v.IsSignificant {
			continue
		}
		if best == nil || v.ConversionRate > best.ConversionRate {
			best = v
		}
	}

	if best != nil {
		direction := "beats"
		if best.UpliftPercent != nil && *best.UpliftPercent < 0 {
			direction = "underperforms"
		}
		return fmt.Sprintf("Statistical significance: %q %s control (p = %.4f)", best.VariantID, direction, best.Confidence)
	}

	for _, v := range variants {
		if v.Visitors < exp.MinimumSampleSize {
			return fmt.Sprintf("Statistical significance: waiting for %d visitors per variant", exp.MinimumSampleSize)
		}
	}
	return "Statistical significance: Not enough evidence to declare a winner"
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
