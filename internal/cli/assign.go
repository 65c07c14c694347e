package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/identity"
	"github.com/gkobilansky/abkit/internal/store"
)

// visitorOrCurrent returns visitor, or this machine's persistent visitor id
// when it is empty.
func visitorOrCurrent(ctx context.Context, s store.Settings, visitor string) (string, error) {
	if visitor != "" {
		return visitor, nil
	}
	return identity.Current(ctx, s)
}

func newAssignCmd(a *app) *cobra.Command {
	var visitor string

	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Get a visitor's variant, assigning one on first call",
		Long: `Get the variant a visitor sees in an experiment. The first call draws a
variant and stores it; later calls return the same one.

Without --visitor the local visitor identity is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				ctx := cmd.Context()
				vid, err := visitorOrCurrent(ctx, eng.Store(), visitor)
				if err != nil {
					return err
				}

				v, err := eng.GetVariant(ctx, args[0], vid)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if v == nil {
					fmt.Fprintf(out, "Visitor %s is not in experiment '%s'\n", vid, args[0])
					return nil
				}
				fmt.Fprintf(out, "Visitor %s sees variant %s (%s)\n", vid, v.ID, v.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&visitor, "visitor", "", "visitor id (default: local identity)")

	return cmd
}
