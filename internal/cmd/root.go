// Package cmd defines the command line interface.
package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// logLevel is the level selected by the verbose flag.
func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pository",
	Short: "On-premises Debian package repository",
	Long: `pository stores uploaded .deb packages and serves them back both
through a JSON management API and as an apt-compatible repository tree
(Release, Packages, pool) that stock Debian and Ubuntu clients can
consume directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext runs the root command with context
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: /etc/pository/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
