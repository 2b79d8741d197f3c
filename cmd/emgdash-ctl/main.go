// Package main provides emgdash-ctl, the admin CLI for session discovery.
//
// Usage:
//
//	emgdash-ctl sessions --bucket <name> [--config <file>] [--token <jwt>] [--format table|csv|json]
//	emgdash-ctl indicators --file <path>... --patient <code>... [--config <file>] [--ttl 30s]
//	emgdash-ctl check-config [--config <file>]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ghostlyemg/emgdash/pkg/config"
	"github.com/ghostlyemg/emgdash/pkg/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "emgdash-ctl",
	Short: "emgdash admin CLI",
	Long: `emgdash-ctl runs discovery and indicator lookups against the configured
buckets without starting the API server.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.Init(logging.Config{Level: logLevel})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/emgdash/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(indicatorsCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
