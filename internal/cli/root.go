package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gkobilansky/abkit/internal/config"
	"github.com/gkobilansky/abkit/internal/logging"
)

// app carries the state shared by every command of one invocation.
type app struct {
	configFile string
	viper      *viper.Viper
	cfg        *config.Config
	log        *logging.Logger
}

// NewRootCmd builds the abkit command tree.
func NewRootCmd() *cobra.Command {
	a := &app{viper: config.New()}

	cmd := &cobra.Command{
		Use:   "abkit",
		Short: "abkit - a self-hosted A/B experiment engine",
		Long: `abkit assigns visitors to experiment variants, records their events and
tells you when a variant beats control.

Configuration comes from flags, ABKIT_* environment variables and an optional
abkit.yaml, in that order of precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				a.log.Sync()
			}
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./abkit.yaml or $HOME/.abkit/abkit.yaml)")
	flags.String("db", "abkit.db", "database path (a file for sqlite, a directory for badger)")
	flags.String("driver", "sqlite", "storage driver: sqlite, badger or memory")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	a.viper.BindPFlag("db.path", flags.Lookup("db"))
	a.viper.BindPFlag("db.driver", flags.Lookup("driver"))
	a.viper.BindPFlag("log.level", flags.Lookup("log-level"))

	cmd.AddCommand(
		newServeCmd(a),
		newCreateCmd(a),
		newListCmd(a),
		newAssignCmd(a),
		newTrackCmd(a),
		newResultsCmd(a),
		newExportCmd(a),
		newEnableCmd(a, true),
		newEnableCmd(a, false),
		newResetCmd(a),
		newTokenCmd(a),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.viper, a.configFile)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	a.cfg = cfg
	a.log = log
	return nil
}
