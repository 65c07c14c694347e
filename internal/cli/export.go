package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abkit/internal/engine"
)

func newExportCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Export experiment data",
		Long: `Export definitions, assignments, events and statistics for offline analysis.
Without an id every experiment is exported. CSV output lists one row per event.

Examples:
  abkit export hero --format csv > hero-events.csv
  abkit export --format json > abkit.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			id := ""
			if len(args) > 0 {
				id = args[0]
			}

			return a.withEngine(func(eng *engine.Engine) error {
				snap, err := eng.ExportData(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("failed to export: %w", err)
				}
				if id != "" && len(snap.Experiments) == 0 {
					return fmt.Errorf("experiment '%s' not found", id)
				}

				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), snap)
				}
				return exportJSON(cmd.OutOrStdout(), snap)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (csv or json)")

	return cmd
}

func exportCSV(out io.Writer, snap *engine.Snapshot) error {
	w := csv.NewWriter(out)

	// Write header
	if err := w.Write([]string{"timestamp", "experiment_id", "variant_id", "visitor_id", "event_name", "metadata"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Write rows
	for _, es := range snap.Experiments {
		for _, o := range es.Outcomes {
			for _, ev := range o.Events {
				metadata := ""
				if len(ev.Metadata) > 0 {
					data, err := json.Marshal(ev.Metadata)
					if err != nil {
						return fmt.Errorf("failed to encode metadata: %w", err)
					}
					metadata = string(data)
				}

				row := []string{
					ev.Timestamp.UTC().Format(time.RFC3339Nano),
					ev.ExperimentID,
					ev.VariantID,
					ev.VisitorID,
					ev.Name,
					metadata,
				}
				if err := w.Write(row); err != nil {
					return fmt.Errorf("failed to write row: %w", err)
				}
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

func exportJSON(out io.Writer, snap *engine.Snapshot) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(snap)
}
