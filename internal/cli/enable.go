package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abkit/internal/engine"
)

// newEnableCmd builds the enable or disable kill switch.
func newEnableCmd(a *app, enabled bool) *cobra.Command {
	use, short, verb := "enable", "Start serving an experiment", "enabled"
	if !enabled {
		use, short, verb = "disable", "Stop serving an experiment", "disabled"
	}

	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Long: fmt.Sprintf(`%s.

Disabled experiments assign nobody and ignore events, but keep their
assignments and data. Re-enabling resumes with the same assignments.

Example:
  abkit %s hero`, short, use),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return a.withEngine(func(eng *engine.Engine) error {
				if err := eng.SetEnabled(cmd.Context(), id, enabled); err != nil {
					return notFound(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment '%s' %s.\n", id, verb)
				return nil
			})
		},
	}
}
