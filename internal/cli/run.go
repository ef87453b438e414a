package cli

import (
	"github.com/spf13/cobra"

	"cedear-arbitrage/internal/app"
)

var (
	runSymbols []string
	runServe   bool
	runOnce    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{
			Symbols: runSymbols,
			Serve:   runServe,
			Once:    runOnce,
		})
	},
}

var (
	serveSymbols []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API without the scan loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context(), serveSymbols)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runSymbols, "symbols", nil, "Certificates to scan (defaults to config, then the ratio table)")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Also serve the HTTP API")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single scan and exit")

	serveCmd.Flags().StringSliceVar(&serveSymbols, "symbols", nil, "Certificates the API scans by default")
}
