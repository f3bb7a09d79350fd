// Package main implements the snare CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/snarelabs/snare/internal/logging"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "snare",
	Short: "Multi-protocol out-of-band capture server",
	Long: `snare runs catch-all HTTP, HTTPS, DNS, SMTP, and raw TCP listeners
under a wildcard domain. Clients allocate ephemeral sessions, point payloads
at <session>.<domain>, and inspect every interaction that arrives.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}
