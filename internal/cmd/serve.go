package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pository/pository/internal/app"
	"github.com/pository/pository/internal/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the package repository server",
	Long: `Run the HTTP server: the management API under /api/v1, the apt
repository tree under /apt, and the health and metrics endpoints.

The server runs until interrupted and drains in-flight requests on
shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, logLevel())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Shutdown()

	return application.Serve(ctx)
}
