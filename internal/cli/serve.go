package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gkobilansky/abkit/internal/config"
	"github.com/gkobilansky/abkit/internal/engine"
	"github.com/gkobilansky/abkit/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the abkit HTTP server.

The server provides:
  - Assignment and active-experiment endpoints for landing pages
  - Beacon endpoint for tracking events
  - Token-protected dashboard API for results, export and kill switches
  - Prometheus metrics and a health check

Example:
  abkit serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "port to listen on")
	a.viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))

	return cmd
}

func (a *app) runServe(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rep, drain := a.newReporter(reg)
	defer drain()

	eng := engine.New(s, engine.WithReporter(rep), engine.WithLogger(a.log.Logger))
	srv := server.New(eng,
		server.WithPort(a.cfg.Server.Port),
		server.WithTokenFile(a.tokenFilePath()),
		server.WithLogger(a.log.Logger),
		server.WithRegistry(reg),
	)

	config.Watch(a.viper, a.log.Logger, func(cfg *config.Config) {
		if err := a.log.SetLevel(cfg.Log.Level); err != nil {
			a.log.Warn("ignoring log level change", zap.Error(err))
			return
		}
		a.log.Info("log level changed", zap.String("level", cfg.Log.Level))
	})

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "abkit running on http://localhost:%d (%s store at %s)\n", a.cfg.Server.Port, a.cfg.DB.Driver, a.cfg.DB.Path)
	fmt.Fprintf(out, "Dashboard API: http://localhost:%d/dashboard/api/experiments?token=%s\n", a.cfg.Server.Port, srv.Token())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	return srv.Start(ctx)
}
