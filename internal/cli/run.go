package cli

import (
	"github.com/spf13/cobra"
)

var runServe bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run scheduled ingestion, optionally with the query API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runServe {
			a.Config.Server.Enabled = true
		}
		return a.Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored prices over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Also serve the query API (overrides server.enabled)")
}
