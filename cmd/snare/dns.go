package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/snarelabs/snare/internal/dnsengine"
)

var dnsFlags struct {
	clientConfig
	rulesPath string
}

var dnsCmd = &cobra.Command{
	Use:   "dns <subdomain> <token>",
	Short: "Replace a session's DNS rule set",
	Long: `Replace the session's DNS rule set from a JSON file.

The file holds an ordered array of rules; the first matching rule wins:

  [
    {"name": "*",   "type": "A",     "value": "10.0.0.1",          "ttl": 60},
    {"name": "cdn", "type": "CNAME", "value": "evil.example.org",  "ttl": 30}
  ]

Rule names are labels relative to the session subdomain: "" or "@" is the
subdomain itself, "*" matches anything under it.`,
	RunE: runDNS,
}

func init() {
	rootCmd.AddCommand(dnsCmd)

	addClientFlags(dnsCmd, &dnsFlags.clientConfig)
	dnsCmd.Flags().StringVar(&dnsFlags.rulesPath, "rules", "", "path to JSON rules file (required)")
	_ = dnsCmd.MarkFlagRequired("rules")
}

func runDNS(cmd *cobra.Command, args []string) error {
	subdomain, token, err := sessionArgs(cmd, args)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(dnsFlags.rulesPath)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	var rules []dnsengine.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	c, err := dnsFlags.newClient()
	if err != nil {
		return err
	}

	if err := c.UpdateRules(subdomain, token, rules); err != nil {
		return err
	}
	fmt.Printf("Applied %d rule(s) to %s.\n", len(rules), subdomain)
	return nil
}
