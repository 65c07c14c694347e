package cli

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abkit/internal/engine"
)

func newResetCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all experiments, assignments and events",
		Long: `Irreversibly delete every experiment definition, assignment and event.
The local visitor identity is kept. Intended for tests and debugging.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := confirmReset()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			return a.withEngine(func(eng *engine.Engine) error {
				if err := eng.ResetAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All experiment data deleted.")
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func confirmReset() (bool, error) {
	prompt := promptui.Prompt{
		Label:     "Delete all experiment data",
		IsConfirm: true,
	}

	_, err := prompt.Run()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, promptui.ErrAbort), errors.Is(err, promptui.ErrInterrupt):
		return false, nil
	default:
		return false, err
	}
}
