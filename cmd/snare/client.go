package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snarelabs/snare/internal/client"
)

type clientConfig struct {
	apiURL string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.apiURL, "api-url", os.Getenv("SNARE_API_URL"), "API server URL")
}

func (cfg *clientConfig) newClient() (*client.Client, error) {
	if cfg.apiURL == "" {
		return nil, fmt.Errorf("API URL required (use --api-url flag or SNARE_API_URL env var)")
	}
	return client.NewClient(cfg.apiURL), nil
}

// sessionArgs parses the "<subdomain> <token>" positional arguments shared
// by the session subcommands.
func sessionArgs(cmd *cobra.Command, args []string) (subdomain, token string, err error) {
	if len(args) < 2 {
		return "", "", fmt.Errorf("usage: snare %s <subdomain> <token>", cmd.Name())
	}
	return args[0], args[1], nil
}
