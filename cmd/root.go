package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logFormat string
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "smartend",
	Short: "Real-time telemetry daemon for the Smarten water-utility dashboard",
	Long: `smartend maintains one supervised streaming connection per province of the
water-utility network, fans live flow/pressure snapshots out to subscribers,
keeps a bounded day-aware aggregation cache persisted in SQLite or PostgreSQL,
and serves the read-side query API the operator dashboard renders from.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text or json)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
