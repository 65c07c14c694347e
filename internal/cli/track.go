package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/store"
)

func newTrackCmd(a *app) *cobra.Command {
	var (
		visitor string
		meta    map[string]string
	)

	cmd := &cobra.Command{
		Use:   "track <id> <event>",
		Short: "Record an event for an assigned visitor",
		Long: `Record an event for a visitor already assigned to the experiment. Events
from unassigned visitors are ignored.

Example:
  abkit track pricing signup --visitor v-123 --meta plan=pro`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(eng *engine.Engine) error {
				ctx := cmd.Context()
				vid, err := visitorOrCurrent(ctx, eng.Store(), visitor)
				if err != nil {
					return err
				}

				var metadata store.Metadata
				if len(meta) > 0 {
					metadata = make(store.Metadata, len(meta))
					for k, v := range meta {
						metadata[k] = v
					}
				}

				if err := eng.TrackEvent(ctx, args[0], vid, args[1], metadata); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tracked '%s' for visitor %s\n", args[1], vid)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&visitor, "visitor", "", "visitor id (default: local identity)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "event metadata as key=value pairs")

	return cmd
}
