package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Show the dashboard access token",
		Long: `Show the dashboard token of the running server.

Use this when you've scrolled past the startup message or need to call the
dashboard API from scripts:

  curl -H "Authorization: Bearer $(abkit token --raw)" localhost:8080/dashboard/api/export`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenFile := a.tokenFilePath()

			data, err := os.ReadFile(tokenFile)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no server running (token file %s not found)\nStart the server with: abkit serve", tokenFile)
				}
				return fmt.Errorf("failed to read token file: %w", err)
			}

			token := strings.TrimSpace(string(data))
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: abkit serve")
			}

			out := cmd.OutOrStdout()
			if raw {
				fmt.Fprintln(out, token)
				return nil
			}
			fmt.Fprintf(out, "Dashboard API: http://localhost:%d/dashboard/api/experiments?token=%s\n", a.cfg.Server.Port, token)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Tip: run 'abkit token' anytime.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print only the token")

	return cmd
}
